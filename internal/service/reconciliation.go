package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/util"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// VerifyRequest is a client asking whether its checkout session has been paid
type VerifyRequest struct {
	SessionID          string
	ConnectedAccountID string
	Identity           IdentityRequest
}

// Reconciler verifies a checkout session directly with the processor when the
// webhook has not landed yet
type Reconciler struct {
	modes      *SessionModeResolver
	gateway    PaymentGateway
	identities *BuyerIdentityResolver
	ledger     *Ledger
	fulfiller  *Fulfiller
	timeout    time.Duration
	logger     *zap.Logger
}

func NewReconciler(
	modes *SessionModeResolver,
	gateway PaymentGateway,
	identities *BuyerIdentityResolver,
	ledger *Ledger,
	fulfiller *Fulfiller,
	timeout time.Duration,
) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		modes:      modes,
		gateway:    gateway,
		identities: identities,
		ledger:     ledger,
		fulfiller:  fulfiller,
		timeout:    timeout,
		logger:     util.GetLogger(),
	}
}

// Verify fetches the session from the processor and, once paid, fulfils it
// exactly as the webhook would
func (r *Reconciler) Verify(ctx context.Context, req VerifyRequest) (*FulfillResult, error) {
	start := time.Now()
	ctx, span := util.StartSpan(ctx, "Reconciler.Verify", req.SessionID)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.verify(ctx, req)

	util.ReconciliationLatency.Observe(time.Since(start).Seconds())
	util.ReconciliationsTotal.WithLabelValues(reconcileOutcome(res, err)).Inc()
	if err != nil {
		util.RecordError(span, err)
	}
	return res, err
}

func (r *Reconciler) verify(ctx context.Context, req VerifyRequest) (*FulfillResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrSessionNotFound)
	}

	env, cred, err := r.modes.Resolve(sessionID)
	if err != nil {
		util.ConfigurationErrorsTotal.WithLabelValues("reconciliation").Inc()
		r.logger.Error("Cannot verify session: environment misconfigured",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, err
	}

	session, account, err := r.fetch(ctx, cred, sessionID, req.ConnectedAccountID)
	if err != nil {
		return nil, err
	}

	if err := r.modes.CheckLivemode(env, session.Livemode); err != nil {
		util.ConfigurationErrorsTotal.WithLabelValues("reconciliation").Inc()
		r.logger.Error("Session livemode disagrees with its id",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, err
	}

	idReq := req.Identity
	idReq.Environment = env
	idReq.Metadata = session.Metadata
	idReq.SessionEmail = sessionEmail(session)
	buyer, err := r.identities.Resolve(ctx, idReq)
	if err != nil {
		return nil, err
	}

	if !sessionPaid(session) {
		r.logger.Info("Session not paid yet",
			zap.String("session_id", sessionID),
			zap.String("payment_status", string(session.PaymentStatus)))
		return nil, fmt.Errorf("%w: session %s is %s", ErrPaymentIncomplete, sessionID, session.PaymentStatus)
	}

	return r.fulfiller.Fulfill(ctx, FulfillRequest{
		Session:          session,
		Environment:      env,
		Buyer:            buyer,
		ConnectedAccount: account,
		Source:           SourceReconciliation,
	})
}

// fetch reads the session on the platform account first, then on the
// connected account given by the caller or recorded on a pending purchase
func (r *Reconciler) fetch(ctx context.Context, cred Credential, sessionID, connected string) (*stripe.CheckoutSession, string, error) {
	session, err := r.gateway.GetSession(ctx, cred, sessionID, "")
	if err == nil {
		return session, "", nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, "", r.fetchFailed(ctx, sessionID, err)
	}

	accounts := make([]string, 0, 2)
	if connected = strings.TrimSpace(connected); connected != "" {
		accounts = append(accounts, connected)
	}
	if p, lookupErr := r.ledger.GetBySession(ctx, sessionID); lookupErr == nil &&
		p.ConnectedAccountID != nil && *p.ConnectedAccountID != connected {
		accounts = append(accounts, *p.ConnectedAccountID)
	}

	for _, account := range accounts {
		session, err = r.gateway.GetSession(ctx, cred, sessionID, account)
		if err == nil {
			return session, account, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, "", r.fetchFailed(ctx, sessionID, err)
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func (r *Reconciler) fetchFailed(ctx context.Context, sessionID string, err error) error {
	if errors.Is(err, ErrConfiguration) {
		util.ConfigurationErrorsTotal.WithLabelValues("reconciliation").Inc()
		r.logger.Error("Processor rejected the credential", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: verification timed out, try again", ErrPaymentIncomplete)
	}
	return fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
}

func reconcileOutcome(res *FulfillResult, err error) string {
	switch {
	case err == nil && res != nil && res.Created:
		return "created"
	case err == nil:
		return "existing"
	case errors.Is(err, ErrPaymentIncomplete):
		return "not_paid"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrIdentityMismatch):
		return "unauthorized"
	case errors.Is(err, ErrTargetUnavailable):
		return "target_unavailable"
	case errors.Is(err, ErrGrantFailed):
		return "grant_failed"
	default:
		return "error"
	}
}

// VerifiedPurchase is the verify-session response body
type VerifiedPurchase struct {
	PurchaseID    string                `json:"purchase_id"`
	SessionID     string                `json:"session_id"`
	TargetID      string                `json:"target_id,omitempty"`
	Purpose       models.Purpose        `json:"purpose"`
	Amount        int64                 `json:"amount"`
	Currency      string                `json:"currency"`
	Environment   models.Environment    `json:"environment"`
	Status        models.PurchaseStatus `json:"status"`
	Buyer         models.BuyerIdentity  `json:"buyer"`
	Created       bool                  `json:"created"`
	AccessGranted bool                  `json:"access_granted"`
	SlotQuota     int                   `json:"slot_quota,omitempty"`
}

// Summary shapes a fulfilment result for the client
func (res *FulfillResult) Summary() VerifiedPurchase {
	p := res.Purchase
	out := VerifiedPurchase{
		PurchaseID:  p.PurchaseID,
		SessionID:   p.SessionID,
		TargetID:    p.TargetID,
		Purpose:     p.Purpose,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Environment: p.Environment,
		Status:      p.Status,
		Buyer:       p.Buyer(),
		Created:     res.Created,
	}
	if res.Grant != nil {
		out.AccessGranted = true
	}
	if res.Slots != nil {
		out.SlotQuota = res.Slots.Quota
	}
	return out
}
