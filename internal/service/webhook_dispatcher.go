package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/util"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// WebhookEndpoint names a registered webhook endpoint. Each has its own signing secrets.
type WebhookEndpoint string

const (
	EndpointPlatform WebhookEndpoint = "platform"
	EndpointConnect  WebhookEndpoint = "connect"
)

// WebhookOutcome is what the dispatcher did with a delivery
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookInFlight  WebhookOutcome = "in_flight"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookFailed    WebhookOutcome = "failed"
)

// Checkout session event types
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired        = "checkout.session.expired"
)

// WebhookEventStore records handled event ids and diagnostic copies of deliveries
type WebhookEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, event *models.ProcessedWebhookEvent) error
	InsertWebhookLog(ctx context.Context, entry *models.WebhookEventLog) error
}

// ClaimLocker holds off concurrent deliveries of the same event
type ClaimLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// WebhookSecrets lists the signing secrets of each endpoint
type WebhookSecrets map[WebhookEndpoint][]string

// WebhookDispatcher verifies, deduplicates and routes processor webhooks
type WebhookDispatcher struct {
	secrets     WebhookSecrets
	modes       *SessionModeResolver
	identities  *BuyerIdentityResolver
	fulfiller   *Fulfiller
	events      WebhookEventStore
	locker      ClaimLocker
	lockTTL     time.Duration
	diagTimeout time.Duration
	diagnostics sync.WaitGroup
	logger      *zap.Logger
}

func NewWebhookDispatcher(
	secrets WebhookSecrets,
	modes *SessionModeResolver,
	identities *BuyerIdentityResolver,
	fulfiller *Fulfiller,
	events WebhookEventStore,
	locker ClaimLocker,
	lockTTL time.Duration,
	diagTimeout time.Duration,
) *WebhookDispatcher {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if diagTimeout <= 0 {
		diagTimeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		secrets:     secrets,
		modes:       modes,
		identities:  identities,
		fulfiller:   fulfiller,
		events:      events,
		locker:      locker,
		lockTTL:     lockTTL,
		diagTimeout: diagTimeout,
		logger:      util.GetLogger(),
	}
}

// Handle processes one delivery. The returned error decides the HTTP status:
// signature and configuration errors are client errors, anything else is retried.
// A delivery of an event whose claim is held by another delivery gets
// ErrEventInFlight (409), so Stripe redelivers it once the first one settles.
func (d *WebhookDispatcher) Handle(ctx context.Context, endpoint WebhookEndpoint, payload []byte, signature string) (WebhookOutcome, error) {
	start := time.Now()
	ctx, span := util.StartSpan(ctx, "WebhookDispatcher.Handle")
	defer span.End()

	event, err := d.verify(endpoint, payload, signature)
	if err != nil {
		util.RecordError(span, err)
		util.WebhookEventsTotal.WithLabelValues("unknown", string(WebhookRejected)).Inc()
		d.logDelivery(endpoint, "", "", payload, WebhookRejected, err)
		return WebhookRejected, err
	}
	eventType := string(event.Type)

	outcome, err := d.dispatch(ctx, endpoint, &event)
	if err != nil {
		util.RecordError(span, err)
	}

	util.WebhookEventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
	util.WebhookHandleLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	d.logDelivery(endpoint, event.ID, eventType, payload, outcome, err)
	return outcome, err
}

func (d *WebhookDispatcher) verify(endpoint WebhookEndpoint, payload []byte, signature string) (stripe.Event, error) {
	secrets := d.secrets[endpoint]
	if len(secrets) == 0 {
		util.ConfigurationErrorsTotal.WithLabelValues("webhook").Inc()
		d.logger.Error("No signing secret configured for webhook endpoint", zap.String("endpoint", string(endpoint)))
		return stripe.Event{}, fmt.Errorf("%w: no signing secret for endpoint %s", ErrConfiguration, endpoint)
	}
	if signature == "" {
		d.logger.Error("Webhook signature header missing", zap.String("endpoint", string(endpoint)))
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrWebhookSignature)
	}

	var lastErr error
	for _, secret := range secrets {
		event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, nil
		}
		lastErr = err
	}

	d.logger.Error("Webhook signature verification failed",
		zap.String("endpoint", string(endpoint)),
		zap.Error(lastErr))
	return stripe.Event{}, fmt.Errorf("%w: %v", ErrWebhookSignature, lastErr)
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, endpoint WebhookEndpoint, event *stripe.Event) (WebhookOutcome, error) {
	if !handledEventType(string(event.Type)) {
		d.logger.Debug("Webhook event ignored", zap.String("type", string(event.Type)), zap.String("event_id", event.ID))
		return WebhookIgnored, nil
	}

	processed, err := d.events.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return WebhookFailed, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		d.logger.Info("Webhook event already processed", zap.String("event_id", event.ID))
		return WebhookDuplicate, nil
	}

	lock, err := d.claim(ctx, event.ID)
	if err != nil {
		return WebhookInFlight, err
	}
	defer d.release(lock)

	// The previous holder may have finished while we waited for the claim
	if lock != nil {
		processed, err = d.events.IsEventProcessed(ctx, event.ID)
		if err != nil {
			return WebhookFailed, fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			return WebhookDuplicate, nil
		}
	}

	var session stripe.CheckoutSession
	if event.Data == nil {
		return WebhookFailed, fmt.Errorf("%w: event %s has no data", ErrInvalidPurchase, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookFailed, fmt.Errorf("decode checkout.session: %w", err)
	}

	env, _, err := d.modes.Resolve(session.ID)
	if err == nil {
		err = d.modes.CheckLivemode(env, event.Livemode)
	}
	if err != nil {
		util.ConfigurationErrorsTotal.WithLabelValues("webhook").Inc()
		d.logger.Error("Webhook event cannot be verified against its environment",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID),
			zap.Bool("livemode", event.Livemode),
			zap.Error(err))
		return WebhookRejected, err
	}

	if err := d.route(ctx, endpoint, event, &session, env); err != nil {
		if !d.settled(err) {
			return WebhookFailed, err
		}
		d.logger.Error("Webhook event settled without effect",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	if err := d.events.MarkEventProcessed(ctx, &models.ProcessedWebhookEvent{
		EventID:     event.ID,
		EventType:   string(event.Type),
		Environment: env,
		Account:     event.Account,
	}); err != nil {
		return WebhookFailed, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return WebhookProcessed, nil
}

// route dispatches by event type, and the Fulfiller dispatches by purpose
func (d *WebhookDispatcher) route(ctx context.Context, endpoint WebhookEndpoint, event *stripe.Event, session *stripe.CheckoutSession, env models.Environment) error {
	switch string(event.Type) {
	case EventCheckoutAsyncFailed:
		return d.fulfiller.Failed(ctx, session.ID, "async_payment_failed")
	case EventCheckoutExpired:
		return d.fulfiller.Failed(ctx, session.ID, "expired")
	}

	buyer, err := d.identities.Resolve(ctx, IdentityRequest{
		Environment:  env,
		Metadata:     session.Metadata,
		SessionEmail: sessionEmail(session),
	})
	if err != nil {
		return err
	}

	req := FulfillRequest{
		Session:     session,
		Environment: env,
		Buyer:       buyer,
		Source:      SourceWebhook,
	}
	if endpoint == EndpointConnect {
		req.ConnectedAccount = event.Account
	}

	if !sessionPaid(session) {
		_, err := d.fulfiller.RecordPending(ctx, req)
		return err
	}
	_, err = d.fulfiller.Fulfill(ctx, req)
	return err
}

// settled reports whether err is final for this event, so redelivery cannot help
func (d *WebhookDispatcher) settled(err error) bool {
	return errors.Is(err, ErrTargetUnavailable) || errors.Is(err, ErrInvalidPurchase)
}

func (d *WebhookDispatcher) claim(ctx context.Context, eventID string) (*redisclient.Lock, error) {
	if d.locker == nil {
		return nil, nil
	}
	lock, err := d.locker.AcquireLock(ctx, "webhook:"+eventID, d.lockTTL)
	if err != nil {
		d.logger.Warn("Webhook claim unavailable, continuing without it", zap.String("event_id", eventID), zap.Error(err))
		return nil, nil
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: %s", ErrEventInFlight, eventID)
	}
	return lock, nil
}

func (d *WebhookDispatcher) release(lock *redisclient.Lock) {
	if lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.locker.ReleaseLock(ctx, lock); err != nil {
		d.logger.Warn("Failed to release webhook claim", zap.Error(err))
	}
}

// logDelivery stores the raw delivery in the background. It never blocks the caller.
func (d *WebhookDispatcher) logDelivery(endpoint WebhookEndpoint, eventID, eventType string, payload []byte, outcome WebhookOutcome, handleErr error) {
	entry := &models.WebhookEventLog{
		EventID:    eventID,
		EventType:  eventType,
		Endpoint:   string(endpoint),
		Payload:    append([]byte(nil), payload...),
		Outcome:    string(outcome),
		ReceivedAt: time.Now().UTC(),
	}
	if handleErr != nil {
		entry.Error = handleErr.Error()
	}

	d.diagnostics.Add(1)
	go func() {
		defer d.diagnostics.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.diagTimeout)
		defer cancel()
		if err := d.events.InsertWebhookLog(ctx, entry); err != nil {
			d.logger.Warn("Failed to store webhook diagnostic log", zap.String("event_id", eventID), zap.Error(err))
		}
	}()
}

// Drain waits for pending diagnostic writes
func (d *WebhookDispatcher) Drain() {
	d.diagnostics.Wait()
}

func handledEventType(t string) bool {
	switch t {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded, EventCheckoutAsyncFailed, EventCheckoutExpired:
		return true
	}
	return false
}
