package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PurchaseStore is the canonical purchase table and its projected views
type PurchaseStore interface {
	RecordPurchase(ctx context.Context, p *models.Purchase) (models.Purchase, store.RecordOutcome, error)
	GetPurchaseBySession(ctx context.Context, sessionID string) (*models.Purchase, error)
	GetLegacyPurchase(ctx context.Context, sessionID string) (*models.Purchase, error)
	FindCompletedByBuyer(ctx context.Context, uid, targetID string) (*models.Purchase, error)
	FindCompletedByEmail(ctx context.Context, email, targetID string) (*models.Purchase, error)
	FindRecentCompleted(ctx context.Context, uid, email, targetID string, since time.Time) (*models.Purchase, error)
	ListBuyerPurchases(ctx context.Context, buyerKey string) ([]models.BuyerPurchase, error)
	RebuildViews(ctx context.Context, sessionID string) error
	MarkPurchaseFailed(ctx context.Context, sessionID string) (*models.Purchase, error)
}

// RecentCache remembers recently completed purchases for UI polling
type RecentCache interface {
	MarkRecentPurchase(ctx context.Context, buyerKey, targetID, sessionID string, ttl time.Duration) error
	RecentPurchase(ctx context.Context, buyerKey, targetID string) (string, bool, error)
}

// RecordResult is the outcome of one ledger write
type RecordResult struct {
	Purchase models.Purchase
	Created  bool
	Outcome  store.RecordOutcome
}

// Completed reports whether this write is the one that moved the purchase to completed
func (r RecordResult) Completed() bool {
	if r.Purchase.Status != models.PurchaseStatusCompleted {
		return false
	}
	return r.Outcome == store.OutcomeCreated || r.Outcome == store.OutcomeTransitioned
}

// Ledger records purchases exactly once per checkout session
type Ledger struct {
	store        PurchaseStore
	modes        *SessionModeResolver
	recent       RecentCache
	recentWindow time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewLedger(store PurchaseStore, modes *SessionModeResolver, recent RecentCache, recentWindow time.Duration) *Ledger {
	return &Ledger{
		store:        store,
		modes:        modes,
		recent:       recent,
		recentWindow: recentWindow,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// RecordOrGet creates the purchase for p.SessionID or returns the existing one
func (l *Ledger) RecordOrGet(ctx context.Context, p models.Purchase) (models.Purchase, bool, error) {
	res, err := l.Record(ctx, p)
	if err != nil {
		return models.Purchase{}, false, err
	}
	return res.Purchase, res.Created, nil
}

// Record is RecordOrGet with the store's outcome attached
func (l *Ledger) Record(ctx context.Context, p models.Purchase) (RecordResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Record", p.SessionID)
	defer span.End()

	if err := l.validate(&p); err != nil {
		util.RecordError(span, err)
		return RecordResult{}, err
	}

	existing, err := l.store.GetPurchaseBySession(ctx, p.SessionID)
	if err != nil {
		util.RecordError(span, err)
		return RecordResult{}, fmt.Errorf("failed to look up purchase: %w", err)
	}
	if existing == nil {
		if _, err := l.adoptLegacy(ctx, p.SessionID, p.Environment); err != nil {
			util.RecordError(span, err)
			return RecordResult{}, err
		}
	}

	stored, outcome, err := l.store.RecordPurchase(ctx, &p)
	if err != nil {
		util.RecordError(span, err)
		return RecordResult{}, fmt.Errorf("failed to record purchase: %w", err)
	}

	res := RecordResult{
		Purchase: stored,
		Created:  outcome == store.OutcomeCreated,
		Outcome:  outcome,
	}
	util.PurchasesRecordedTotal.WithLabelValues(string(outcome), string(stored.Environment)).Inc()

	if res.Created {
		l.logger.Info("Purchase recorded",
			zap.String("session_id", stored.SessionID),
			zap.String("purchase_id", stored.PurchaseID),
			zap.String("status", string(stored.Status)))
	} else {
		l.logger.Debug("Purchase already recorded",
			zap.String("session_id", stored.SessionID),
			zap.String("outcome", string(outcome)))
	}

	if res.Completed() {
		l.markRecent(ctx, stored)
	}
	return res, nil
}

// validate fills defaults and rejects a purchase whose environment disagrees
// with its session id or has no provisioned credential
func (l *Ledger) validate(p *models.Purchase) error {
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidPurchase)
	}

	env, _, err := l.modes.Resolve(p.SessionID)
	if err != nil {
		util.ConfigurationErrorsTotal.WithLabelValues("ledger").Inc()
		return err
	}
	if p.Environment == "" {
		p.Environment = env
	}
	if p.Environment != env {
		util.ConfigurationErrorsTotal.WithLabelValues("ledger").Inc()
		return fmt.Errorf("%w: purchase for %s recorded as %s", ErrConfiguration, p.SessionID, p.Environment)
	}

	if p.Purpose == "" {
		p.Purpose = models.PurposeContent
	}
	switch p.Purpose {
	case models.PurposeContent:
		if p.TargetID == "" {
			return fmt.Errorf("%w: content purchase without target", ErrInvalidPurchase)
		}
	case models.PurposeBundleSlots:
		if p.SlotsGranted <= 0 {
			return fmt.Errorf("%w: bundle slot purchase without slots", ErrInvalidPurchase)
		}
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidPurchase, p.Purpose)
	}

	if p.Status == "" {
		p.Status = models.PurchaseStatusPending
	}
	if p.PurchaseID == "" {
		p.PurchaseID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now().UTC()
	}
	if p.Status == models.PurchaseStatusCompleted && p.CompletedAt == nil {
		at := l.now().UTC()
		p.CompletedAt = &at
	}
	p.BuyerEmail = models.NormalizeEmail(p.BuyerEmail)
	return nil
}

// adoptLegacy moves a purchase that only exists in the legacy table into the
// canonical table and returns the canonical row, or nil without a legacy row
func (l *Ledger) adoptLegacy(ctx context.Context, sessionID string, env models.Environment) (*models.Purchase, error) {
	legacy, err := l.store.GetLegacyPurchase(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up legacy purchase: %w", err)
	}
	if legacy == nil {
		return nil, nil
	}

	legacy.PurchaseID = uuid.NewString()
	legacy.Environment = env
	if legacy.Status == "" {
		legacy.Status = models.PurchaseStatusPending
	}
	if legacy.CreatedAt.IsZero() {
		legacy.CreatedAt = l.now().UTC()
	}
	if legacy.Status == models.PurchaseStatusCompleted && legacy.CompletedAt == nil {
		at := legacy.CreatedAt
		legacy.CompletedAt = &at
	}
	legacy.BuyerEmail = models.NormalizeEmail(legacy.BuyerEmail)

	// A concurrent adopter may win the insert, RecordPurchase then returns its row
	stored, _, err := l.store.RecordPurchase(ctx, legacy)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt legacy purchase: %w", err)
	}

	util.PurchasesRecordedTotal.WithLabelValues("adopted", string(env)).Inc()
	l.logger.Info("Adopted legacy purchase",
		zap.String("session_id", sessionID),
		zap.String("purchase_id", stored.PurchaseID))
	return &stored, nil
}

func (l *Ledger) markRecent(ctx context.Context, p models.Purchase) {
	if l.recent == nil || p.TargetID == "" {
		return
	}
	key := p.Buyer().Key()
	if key == "" {
		return
	}
	if err := l.recent.MarkRecentPurchase(ctx, key, p.TargetID, p.SessionID, l.recentWindow); err != nil {
		l.logger.Warn("Failed to cache recent purchase", zap.String("session_id", p.SessionID), zap.Error(err))
	}
}

// GetBySession returns the purchase for a session. A session found only in the
// legacy table is adopted first, so the result always carries a purchase id.
func (l *Ledger) GetBySession(ctx context.Context, sessionID string) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.GetBySession", sessionID)
	defer span.End()

	p, err := l.store.GetPurchaseBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	env, err := EnvironmentOf(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseNotFound, sessionID)
	}
	adopted, err := l.adoptLegacy(ctx, sessionID, env)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if adopted == nil {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseNotFound, sessionID)
	}
	return adopted, nil
}

// FindByBuyer returns the latest completed purchase of targetID by uid
func (l *Ledger) FindByBuyer(ctx context.Context, uid, targetID string) (*models.Purchase, error) {
	return l.store.FindCompletedByBuyer(ctx, uid, targetID)
}

// FindByEmail returns the latest completed purchase of targetID by email
func (l *Ledger) FindByEmail(ctx context.Context, email, targetID string) (*models.Purchase, error) {
	return l.store.FindCompletedByEmail(ctx, email, targetID)
}

// FindRecentCompleted checks the recent-purchase cache first and falls back to the ledger
func (l *Ledger) FindRecentCompleted(ctx context.Context, buyer models.BuyerIdentity, targetID string, window time.Duration) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.FindRecentCompleted")
	defer span.End()

	if window <= 0 {
		window = l.recentWindow
	}
	since := l.now().Add(-window)

	if l.recent != nil {
		if key := buyer.Key(); key != "" {
			sessionID, ok, err := l.recent.RecentPurchase(ctx, key, targetID)
			if err != nil {
				l.logger.Warn("Recent purchase cache read failed", zap.Error(err))
			}
			if ok {
				p, err := l.store.GetPurchaseBySession(ctx, sessionID)
				if err == nil && p != nil && completedSince(p, since) {
					return p, nil
				}
			}
		}
	}

	if buyer.UID == "" && buyer.Email == "" {
		return nil, nil
	}
	return l.store.FindRecentCompleted(ctx, buyer.UID, buyer.Email, targetID, since)
}

// Cache entries live for recentWindow, which can be longer than the caller's window
func completedSince(p *models.Purchase, since time.Time) bool {
	return p.Status == models.PurchaseStatusCompleted && p.CompletedAt != nil && !p.CompletedAt.Before(since)
}

// History returns the buyer's purchase history view
func (l *Ledger) History(ctx context.Context, buyer models.BuyerIdentity) ([]models.BuyerPurchase, error) {
	key := buyer.Key()
	if key == "" {
		return nil, nil
	}
	return l.store.ListBuyerPurchases(ctx, key)
}

// RebuildViews re-projects the read-side views of one purchase
func (l *Ledger) RebuildViews(ctx context.Context, sessionID string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.RebuildViews", sessionID)
	defer span.End()

	if err := l.store.RebuildViews(ctx, sessionID); err != nil {
		util.RecordError(span, err)
		return err
	}
	return nil
}

// MarkFailed moves a pending purchase to failed. Completed purchases are untouched.
func (l *Ledger) MarkFailed(ctx context.Context, sessionID, reason string) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.MarkFailed", sessionID)
	defer span.End()

	p, err := l.store.MarkPurchaseFailed(ctx, sessionID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if p != nil {
		util.PurchasesFailedTotal.WithLabelValues(reason).Inc()
		l.logger.Info("Purchase marked failed", zap.String("session_id", sessionID), zap.String("reason", reason))
	}
	return p, nil
}
