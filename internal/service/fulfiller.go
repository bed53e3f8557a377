package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// EventPublisher publishes purchase domain events
type EventPublisher interface {
	PublishPurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error
	PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error
	PublishAccessGranted(ctx context.Context, event *models.AccessGrantedEvent) error
	PublishSlotsGranted(ctx context.Context, event *models.SlotsGrantedEvent) error
	PublishGrantRetry(ctx context.Context, event *models.GrantRetryRequestedEvent) error
}

// Entry points that converge on the Fulfiller
const (
	SourceWebhook        = "webhook"
	SourceReconciliation = "reconciliation"
)

// FulfillRequest is a paid checkout session with its resolved buyer
type FulfillRequest struct {
	Session          *stripe.CheckoutSession
	Environment      models.Environment
	Buyer            models.BuyerIdentity
	ConnectedAccount string
	Source           string
}

// FulfillResult is the converged state after fulfilment
type FulfillResult struct {
	Purchase models.Purchase
	Created  bool
	Grant    *GrantResult
	Slots    *SlotResult
}

// Fulfiller is the single path from a paid session to a recorded purchase and
// its effect. Webhook, reconciliation and retry all go through it.
type Fulfiller struct {
	ledger *Ledger
	grants *AccessGrantService
	events EventPublisher
	now    func() time.Time
	logger *zap.Logger
}

func NewFulfiller(ledger *Ledger, grants *AccessGrantService, events EventPublisher) *Fulfiller {
	return &Fulfiller{
		ledger: ledger,
		grants: grants,
		events: events,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Fulfill records the purchase for a paid session and applies its effect.
// A failed effect leaves the purchase completed and requests a retry.
func (f *Fulfiller) Fulfill(ctx context.Context, req FulfillRequest) (*FulfillResult, error) {
	ctx, span := util.StartSpan(ctx, "Fulfiller.Fulfill", req.Session.ID)
	defer span.End()

	purchase, err := f.purchaseFromSession(req, models.PurchaseStatusCompleted)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	rec, err := f.ledger.Record(ctx, purchase)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	res := &FulfillResult{Purchase: rec.Purchase, Created: rec.Created}
	if rec.Purchase.Status != models.PurchaseStatusCompleted {
		return res, fmt.Errorf("%w: purchase %s is %s", ErrPaymentIncomplete, rec.Purchase.SessionID, rec.Purchase.Status)
	}

	if rec.Completed() {
		util.PurchasesCompletedTotal.WithLabelValues(req.Source, string(rec.Purchase.Purpose)).Inc()
		f.publishCompleted(ctx, rec.Purchase, req.Source)
	}

	if err := f.applyEffect(ctx, res); err != nil {
		util.RecordError(span, err)
		return res, f.effectFailed(ctx, rec.Purchase, err, 1)
	}
	return res, nil
}

// RecordPending records a session that has not been paid yet
func (f *Fulfiller) RecordPending(ctx context.Context, req FulfillRequest) (models.Purchase, error) {
	purchase, err := f.purchaseFromSession(req, models.PurchaseStatusPending)
	if err != nil {
		return models.Purchase{}, err
	}
	rec, err := f.ledger.Record(ctx, purchase)
	if err != nil {
		return models.Purchase{}, err
	}
	return rec.Purchase, nil
}

// RetryGrant re-runs the effect of a completed purchase
func (f *Fulfiller) RetryGrant(ctx context.Context, event *models.GrantRetryRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "Fulfiller.RetryGrant", event.SessionID)
	defer span.End()

	p, err := f.ledger.GetBySession(ctx, event.SessionID)
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if p.Status != models.PurchaseStatusCompleted {
		f.logger.Warn("Grant retry for a purchase that is not completed",
			zap.String("session_id", p.SessionID),
			zap.String("status", string(p.Status)))
		return nil
	}

	res := &FulfillResult{Purchase: *p}
	if err := f.applyEffect(ctx, res); err != nil {
		util.RecordError(span, err)
		return f.effectFailed(ctx, *p, err, event.Attempt+1)
	}

	f.logger.Info("Grant retry succeeded",
		zap.String("session_id", p.SessionID),
		zap.Int("attempt", event.Attempt))
	return nil
}

// Failed marks a pending purchase failed and publishes the failure
func (f *Fulfiller) Failed(ctx context.Context, sessionID, reason string) error {
	p, err := f.ledger.MarkFailed(ctx, sessionID, reason)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	event := &models.PurchaseFailedEvent{
		BaseEvent: f.baseEvent(models.EventTypePurchaseFailed),
		SessionID: sessionID,
		Reason:    reason,
	}
	if err := f.events.PublishPurchaseFailed(ctx, event); err != nil {
		f.logger.Warn("Failed to publish purchase failed event", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// applyEffect dispatches on the purchase's intent
func (f *Fulfiller) applyEffect(ctx context.Context, res *FulfillResult) error {
	intent, err := intentFromPurchase(res.Purchase)
	if err != nil {
		return err
	}
	return intent.Accept(&effectHandler{ctx: ctx, f: f, res: res})
}

// effectFailed keeps the purchase and asks for the effect to be retried.
// An unavailable target is for support to reconcile and is not retried.
func (f *Fulfiller) effectFailed(ctx context.Context, p models.Purchase, cause error, attempt int) error {
	if errors.Is(cause, ErrTargetUnavailable) || errors.Is(cause, ErrInvalidPurchase) {
		f.logger.Error("Purchase completed but its target cannot be granted",
			zap.String("session_id", p.SessionID),
			zap.String("target_id", p.TargetID),
			zap.Error(cause))
		return cause
	}

	f.logger.Error("Purchase completed but grant failed",
		zap.String("session_id", p.SessionID),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	event := &models.GrantRetryRequestedEvent{
		BaseEvent: f.baseEvent(models.EventTypeGrantRetryRequested),
		SessionID: p.SessionID,
		Reason:    cause.Error(),
		Attempt:   attempt,
	}
	if err := f.events.PublishGrantRetry(ctx, event); err != nil {
		f.logger.Error("Failed to request grant retry", zap.String("session_id", p.SessionID), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrGrantFailed, cause)
}

type effectHandler struct {
	ctx context.Context
	f   *Fulfiller
	res *FulfillResult
}

func (h *effectHandler) HandleContent(intent models.ContentIntent) error {
	grant, err := h.f.grants.Grant(h.ctx, h.res.Purchase)
	if err != nil {
		return err
	}
	h.res.Grant = &grant

	if grant.Created {
		event := &models.AccessGrantedEvent{
			BaseEvent:  h.f.baseEvent(models.EventTypeAccessGranted),
			BuyerKey:   grant.Grant.BuyerKey,
			TargetID:   intent.TargetID,
			CreatorID:  grant.Grant.CreatorID,
			SessionID:  h.res.Purchase.SessionID,
			PurchaseID: h.res.Purchase.PurchaseID,
		}
		if err := h.f.events.PublishAccessGranted(h.ctx, event); err != nil {
			h.f.logger.Warn("Failed to publish access granted event", zap.Error(err))
		}
	}
	return nil
}

func (h *effectHandler) HandleBundleSlots(intent models.SlotIntent) error {
	slots, err := h.f.grants.ApplySlots(h.ctx, h.res.Purchase)
	if err != nil {
		return err
	}
	h.res.Slots = &slots

	if slots.Applied {
		event := &models.SlotsGrantedEvent{
			BaseEvent:  h.f.baseEvent(models.EventTypeSlotsGranted),
			CreatorUID: h.res.Purchase.CreatorID,
			SessionID:  h.res.Purchase.SessionID,
			Tier:       intent.Tier,
			Slots:      intent.Slots,
			Quota:      slots.Quota,
		}
		if err := h.f.events.PublishSlotsGranted(h.ctx, event); err != nil {
			h.f.logger.Warn("Failed to publish slots granted event", zap.Error(err))
		}
	}
	return nil
}

func (f *Fulfiller) publishCompleted(ctx context.Context, p models.Purchase, source string) {
	event := &models.PurchaseCompletedEvent{
		BaseEvent:   f.baseEvent(models.EventTypePurchaseCompleted),
		SessionID:   p.SessionID,
		PurchaseID:  p.PurchaseID,
		Purpose:     p.Purpose,
		BuyerEmail:  p.BuyerEmail,
		CreatorID:   p.CreatorID,
		TargetID:    p.TargetID,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Environment: p.Environment,
		Source:      source,
	}
	if !p.Anonymous() {
		event.BuyerUID = *p.BuyerUID
	}
	if err := f.events.PublishPurchaseCompleted(ctx, event); err != nil {
		f.logger.Warn("Failed to publish purchase completed event", zap.String("session_id", p.SessionID), zap.Error(err))
	}
}

func (f *Fulfiller) baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: f.now(),
	}
}

// purchaseFromSession builds the ledger entry declared by a checkout session
func (f *Fulfiller) purchaseFromSession(req FulfillRequest, status models.PurchaseStatus) (models.Purchase, error) {
	s := req.Session
	intent, err := models.IntentFromMetadata(s.Metadata)
	if err != nil {
		return models.Purchase{}, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}

	p := models.Purchase{
		SessionID:      s.ID,
		Purpose:        intent.Purpose(),
		BuyerUID:       req.Buyer.UIDPtr(),
		BuyerEmail:     req.Buyer.Email,
		AnonymousToken: req.Buyer.AnonymousToken,
		Amount:         s.AmountTotal,
		Currency:       string(s.Currency),
		Environment:    req.Environment,
		Status:         status,
	}
	if s.PaymentIntent != nil {
		p.PaymentIntentID = s.PaymentIntent.ID
	}
	if req.ConnectedAccount != "" {
		acct := req.ConnectedAccount
		p.ConnectedAccountID = &acct
	}
	if status == models.PurchaseStatusCompleted {
		at := f.now().UTC()
		p.CompletedAt = &at
	}

	if err := intent.Accept(&purchaseFields{p: &p, buyer: req.Buyer}); err != nil {
		return models.Purchase{}, err
	}
	return p, nil
}

// purchaseFields copies intent-specific fields onto a purchase
type purchaseFields struct {
	p     *models.Purchase
	buyer models.BuyerIdentity
}

func (b *purchaseFields) HandleContent(in models.ContentIntent) error {
	b.p.TargetID = in.TargetID
	b.p.CreatorID = in.CreatorID
	b.p.ItemCount = in.ItemCount
	return nil
}

// Bundle slots are bought by the creator for themselves
func (b *purchaseFields) HandleBundleSlots(in models.SlotIntent) error {
	b.p.Tier = in.Tier
	b.p.SlotsGranted = in.Slots
	b.p.CreatorID = b.buyer.UID
	return nil
}

// intentFromPurchase rebuilds the intent of a stored purchase
func intentFromPurchase(p models.Purchase) (models.Intent, error) {
	meta := map[string]string{
		models.MetaPurpose:   string(p.Purpose),
		models.MetaTargetID:  p.TargetID,
		models.MetaCreatorID: p.CreatorID,
		models.MetaTier:      p.Tier,
		models.MetaSlots:     strconv.Itoa(p.SlotsGranted),
		models.MetaItemCount: strconv.Itoa(p.ItemCount),
	}
	intent, err := models.IntentFromMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}
	return intent, nil
}
