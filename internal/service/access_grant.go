package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// GrantStore persists grants, library pointers and bundle-slot quotas
type GrantStore interface {
	GetTarget(ctx context.Context, targetID string) (*models.Target, error)
	GetGrant(ctx context.Context, buyerKey, targetID string) (*models.AccessGrant, error)
	CreateGrant(ctx context.Context, grant *models.AccessGrant, item *models.LibraryItem) (models.AccessGrant, bool, error)
	ApplySlotCredit(ctx context.Context, credit *models.BundleSlotPurchase) (bool, int, error)
	GetQuota(ctx context.Context, creatorUID string) (int, error)
	ClaimEmail(ctx context.Context, email, uid string) (int, int, error)
}

// GrantResult is the grant held after Grant returns
type GrantResult struct {
	Grant   models.AccessGrant
	Created bool
	Target  *models.Target
}

// SlotResult is the creator's quota after ApplySlots returns
type SlotResult struct {
	Applied bool
	Quota   int
}

// GrantRequest asks for access to TargetID, optionally naming the session that paid for it
type GrantRequest struct {
	Buyer     models.BuyerIdentity
	TargetID  string
	SessionID string
}

// GrantResponse is what the grant-access API returns
type GrantResponse struct {
	Granted     bool           `json:"granted"`
	AlreadyHeld bool           `json:"already_held"`
	Target      *models.Target `json:"target,omitempty"`
	CreatorID   string         `json:"creator_id,omitempty"`
}

// ClaimResult counts what an anonymous-to-account claim moved
type ClaimResult struct {
	GrantsMoved    int `json:"grants_moved"`
	PurchasesMoved int `json:"purchases_moved"`
}

// AccessGrantService turns completed purchases into grants and slot credits
type AccessGrantService struct {
	store  GrantStore
	ledger *Ledger
	now    func() time.Time
	logger *zap.Logger
}

func NewAccessGrantService(store GrantStore, ledger *Ledger) *AccessGrantService {
	return &AccessGrantService{
		store:  store,
		ledger: ledger,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Grant gives the purchase's buyer access to its target. A buyer who already
// holds a grant gets it back unchanged.
func (s *AccessGrantService) Grant(ctx context.Context, p models.Purchase) (GrantResult, error) {
	ctx, span := util.StartSpan(ctx, "AccessGrantService.Grant", p.SessionID)
	defer span.End()

	if p.Status != models.PurchaseStatusCompleted {
		return GrantResult{}, fmt.Errorf("%w: purchase %s is %s", ErrPaymentIncomplete, p.SessionID, p.Status)
	}
	if p.Purpose != models.PurposeContent {
		return GrantResult{}, fmt.Errorf("%w: %s purchase cannot grant content", ErrInvalidPurchase, p.Purpose)
	}

	buyer := p.Buyer()
	key := buyer.Key()
	if key == "" {
		return GrantResult{}, fmt.Errorf("%w: purchase %s has no buyer to grant to", ErrInvalidPurchase, p.SessionID)
	}

	existing, err := s.store.GetGrant(ctx, key, p.TargetID)
	if err != nil {
		util.AccessGrantsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		return GrantResult{}, fmt.Errorf("failed to read grant: %w", err)
	}
	if existing != nil {
		util.AccessGrantsTotal.WithLabelValues("existing").Inc()
		return GrantResult{Grant: *existing}, nil
	}

	target, err := s.availableTarget(ctx, p.TargetID)
	if err != nil {
		util.RecordError(span, err)
		return GrantResult{}, err
	}

	now := s.now().UTC()
	grant := &models.AccessGrant{
		BuyerKey:         key,
		BuyerUID:         buyer.UIDPtr(),
		BuyerEmail:       buyer.Email,
		TargetID:         target.ID,
		CreatorID:        target.CreatorID,
		SourceSessionID:  p.SessionID,
		SourcePurchaseID: p.PurchaseID,
		GrantedAt:        now,
	}
	item := &models.LibraryItem{
		BuyerKey:  key,
		TargetID:  target.ID,
		CreatorID: target.CreatorID,
		Title:     target.Title,
		AddedAt:   now,
	}

	stored, created, err := s.store.CreateGrant(ctx, grant, item)
	if err != nil {
		util.AccessGrantsTotal.WithLabelValues("failed").Inc()
		util.RecordError(span, err)
		return GrantResult{}, fmt.Errorf("failed to create grant: %w", err)
	}

	if created {
		util.AccessGrantsTotal.WithLabelValues("created").Inc()
		s.logger.Info("Access granted",
			zap.String("buyer_key", key),
			zap.String("target_id", target.ID),
			zap.String("session_id", p.SessionID))
	} else {
		util.AccessGrantsTotal.WithLabelValues("existing").Inc()
	}
	return GrantResult{Grant: stored, Created: created, Target: target}, nil
}

func (s *AccessGrantService) availableTarget(ctx context.Context, targetID string) (*models.Target, error) {
	target, err := s.store.GetTarget(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		util.AccessGrantsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s does not exist", ErrTargetUnavailable, targetID)
	}
	if err != nil {
		util.AccessGrantsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to read target: %w", err)
	}
	if !target.Published {
		util.AccessGrantsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s is unpublished", ErrTargetUnavailable, targetID)
	}
	return target, nil
}

// ApplySlots credits a bundle-slot purchase to its creator once per session
func (s *AccessGrantService) ApplySlots(ctx context.Context, p models.Purchase) (SlotResult, error) {
	ctx, span := util.StartSpan(ctx, "AccessGrantService.ApplySlots", p.SessionID)
	defer span.End()

	if p.Status != models.PurchaseStatusCompleted {
		return SlotResult{}, fmt.Errorf("%w: purchase %s is %s", ErrPaymentIncomplete, p.SessionID, p.Status)
	}
	if p.Purpose != models.PurposeBundleSlots || p.SlotsGranted <= 0 {
		return SlotResult{}, fmt.Errorf("%w: purchase %s is not a bundle slot purchase", ErrInvalidPurchase, p.SessionID)
	}

	creator := p.CreatorID
	if creator == "" && !p.Anonymous() {
		creator = *p.BuyerUID
	}
	if creator == "" {
		return SlotResult{}, fmt.Errorf("%w: bundle slots require a signed-in creator", ErrInvalidPurchase)
	}

	applied, quota, err := s.store.ApplySlotCredit(ctx, &models.BundleSlotPurchase{
		SessionID:  p.SessionID,
		CreatorUID: creator,
		Tier:       p.Tier,
		Slots:      p.SlotsGranted,
		AppliedAt:  s.now().UTC(),
	})
	if err != nil {
		util.RecordError(span, err)
		return SlotResult{}, fmt.Errorf("failed to apply slot credit: %w", err)
	}

	if applied {
		util.SlotCreditsTotal.WithLabelValues("applied").Inc()
		s.logger.Info("Bundle slots credited",
			zap.String("creator_uid", creator),
			zap.String("tier", p.Tier),
			zap.Int("slots", p.SlotsGranted),
			zap.Int("quota", quota))
	} else {
		util.SlotCreditsTotal.WithLabelValues("duplicate").Inc()
	}
	return SlotResult{Applied: applied, Quota: quota}, nil
}

// GrantForRequest grants access for a caller, either from a named session or
// from the buyer's completed purchases of the target
func (s *AccessGrantService) GrantForRequest(ctx context.Context, req GrantRequest) (GrantResponse, error) {
	ctx, span := util.StartSpan(ctx, "AccessGrantService.GrantForRequest", req.SessionID)
	defer span.End()

	if req.TargetID == "" {
		return GrantResponse{}, fmt.Errorf("%w: missing target", ErrInvalidPurchase)
	}

	held, err := s.HasAccess(ctx, req.Buyer, req.TargetID)
	if err != nil {
		return GrantResponse{}, err
	}
	if held {
		return s.response(ctx, req.TargetID, GrantResult{}, true), nil
	}

	p, err := s.purchaseFor(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		return GrantResponse{}, err
	}

	res, err := s.Grant(ctx, *p)
	if err != nil {
		return GrantResponse{}, err
	}
	return s.response(ctx, req.TargetID, res, !res.Created), nil
}

func (s *AccessGrantService) purchaseFor(ctx context.Context, req GrantRequest) (*models.Purchase, error) {
	if req.SessionID != "" {
		p, err := s.ledger.GetBySession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if p.TargetID != req.TargetID {
			return nil, fmt.Errorf("%w: session %s did not buy %s", ErrInvalidPurchase, req.SessionID, req.TargetID)
		}
		if req.Buyer.UID != "" && !p.Anonymous() && *p.BuyerUID != req.Buyer.UID {
			return nil, fmt.Errorf("%w: session %s belongs to another account", ErrIdentityMismatch, req.SessionID)
		}
		return p, nil
	}

	if req.Buyer.UID != "" {
		p, err := s.ledger.FindByBuyer(ctx, req.Buyer.UID, req.TargetID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	if req.Buyer.Email != "" {
		p, err := s.ledger.FindByEmail(ctx, req.Buyer.Email, req.TargetID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no completed purchase of %s", ErrPurchaseNotFound, req.TargetID)
}

func (s *AccessGrantService) response(ctx context.Context, targetID string, res GrantResult, alreadyHeld bool) GrantResponse {
	target := res.Target
	if target == nil {
		t, err := s.store.GetTarget(ctx, targetID)
		if err == nil {
			target = t
		}
	}

	out := GrantResponse{
		Granted:     res.Created,
		AlreadyHeld: alreadyHeld,
		Target:      target,
		CreatorID:   res.Grant.CreatorID,
	}
	if target != nil && out.CreatorID == "" {
		out.CreatorID = target.CreatorID
	}
	return out
}

// HasAccess checks the buyer's uid, email and anonymous keys in that order
func (s *AccessGrantService) HasAccess(ctx context.Context, buyer models.BuyerIdentity, targetID string) (bool, error) {
	keys := make([]string, 0, 3)
	if buyer.UID != "" {
		keys = append(keys, "uid:"+buyer.UID)
	}
	if buyer.Email != "" {
		keys = append(keys, "email:"+models.NormalizeEmail(buyer.Email))
	}
	if buyer.AnonymousToken != "" {
		keys = append(keys, "anon:"+buyer.AnonymousToken)
	}

	for _, key := range keys {
		grant, err := s.store.GetGrant(ctx, key, targetID)
		if err != nil {
			return false, fmt.Errorf("failed to read grant: %w", err)
		}
		if grant != nil {
			return true, nil
		}
	}
	return false, nil
}

// ClaimAnonymous moves the email-keyed grants and anonymous purchases of email
// to uid. The caller must have proven ownership of email.
func (s *AccessGrantService) ClaimAnonymous(ctx context.Context, uid, email string) (ClaimResult, error) {
	ctx, span := util.StartSpan(ctx, "AccessGrantService.ClaimAnonymous")
	defer span.End()

	if uid == "" || email == "" {
		return ClaimResult{}, fmt.Errorf("%w: claim needs an account and an email", ErrInvalidPurchase)
	}

	grants, purchases, err := s.store.ClaimEmail(ctx, email, uid)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Warn("Email claim rejected", zap.String("uid", uid), zap.Error(err))
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrClaimConflict, models.NormalizeEmail(email))
	}
	if err != nil {
		util.RecordError(span, err)
		return ClaimResult{}, fmt.Errorf("failed to claim email: %w", err)
	}

	s.logger.Info("Anonymous purchases claimed",
		zap.String("uid", uid),
		zap.Int("grants_moved", grants),
		zap.Int("purchases_moved", purchases))
	return ClaimResult{GrantsMoved: grants, PurchasesMoved: purchases}, nil
}

// Quota returns a creator's bundle-slot quota
func (s *AccessGrantService) Quota(ctx context.Context, creatorUID string) (int, error) {
	return s.store.GetQuota(ctx, creatorUID)
}
