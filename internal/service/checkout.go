package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// TargetReader reads the catalog view of purchasable targets
type TargetReader interface {
	GetTarget(ctx context.Context, targetID string) (*models.Target, error)
}

// StartCheckoutRequest asks for a checkout session for a target or a slot tier
type StartCheckoutRequest struct {
	Purpose  models.Purpose       `json:"purpose"`
	TargetID string               `json:"target_id"`
	Tier     string               `json:"tier"`
	Buyer    models.BuyerIdentity `json:"-"`
}

// CheckoutStart is the created session the client redirects to
type CheckoutStart struct {
	SessionID      string             `json:"session_id"`
	URL            string             `json:"url"`
	Environment    models.Environment `json:"environment"`
	AnonymousToken string             `json:"-"`
}

// CheckoutURLs are where the processor sends the buyer afterwards
type CheckoutURLs struct {
	Success string
	Cancel  string
}

// CheckoutService creates checkout sessions and records them as pending purchases
type CheckoutService struct {
	modes   *SessionModeResolver
	gateway PaymentGateway
	targets TargetReader
	ledger  *Ledger
	env     models.Environment
	urls    CheckoutURLs
	logger  *zap.Logger
}

func NewCheckoutService(
	modes *SessionModeResolver,
	gateway PaymentGateway,
	targets TargetReader,
	ledger *Ledger,
	env models.Environment,
	urls CheckoutURLs,
) *CheckoutService {
	return &CheckoutService{
		modes:   modes,
		gateway: gateway,
		targets: targets,
		ledger:  ledger,
		env:     env,
		urls:    urls,
		logger:  util.GetLogger(),
	}
}

// Start creates a checkout session in the configured environment. Content from a
// creator with a connected account is a direct charge on that account.
func (s *CheckoutService) Start(ctx context.Context, req StartCheckoutRequest) (*CheckoutStart, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Start")
	defer span.End()

	cred, err := s.modes.CredentialFor(s.env)
	if err != nil {
		util.ConfigurationErrorsTotal.WithLabelValues("checkout").Inc()
		s.logger.Error("Cannot start checkout", zap.String("environment", string(s.env)), zap.Error(err))
		return nil, err
	}

	buyer := req.Buyer
	if buyer.UID == "" && buyer.AnonymousToken == "" {
		buyer.AnonymousToken = uuid.NewString()
		buyer.Anonymous = true
	}

	meta := map[string]string{
		models.MetaBuyerUID:       buyer.UID,
		models.MetaBuyerEmail:     buyer.Email,
		models.MetaAnonymousToken: buyer.AnonymousToken,
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = models.PurposeContent
	}

	var (
		item      *stripe.CheckoutSessionLineItemParams
		connected string
	)
	switch purpose {
	case models.PurposeContent:
		target, err := s.targets.GetTarget(ctx, req.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrTargetUnavailable, req.TargetID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read target: %w", err)
		}
		if !target.Published || target.Price <= 0 {
			return nil, fmt.Errorf("%w: %s is not for sale", ErrTargetUnavailable, req.TargetID)
		}
		meta[models.MetaPurpose] = string(models.PurposeContent)
		meta[models.MetaTargetID] = target.ID
		meta[models.MetaCreatorID] = target.CreatorID
		meta[models.MetaItemCount] = strconv.Itoa(target.ItemCount)
		item = lineItem(target.Title, target.Currency, target.Price)
		if target.ConnectedAccountID != nil {
			connected = *target.ConnectedAccountID
		}

	case models.PurposeBundleSlots:
		if buyer.UID == "" {
			return nil, fmt.Errorf("%w: bundle slots require a signed-in creator", ErrAuthentication)
		}
		tier := strings.ToLower(strings.TrimSpace(req.Tier))
		slots, ok := models.SlotTiers[tier]
		price := models.SlotTierPrices[tier]
		if !ok || price <= 0 {
			return nil, fmt.Errorf("%w: unknown slot tier %q", ErrInvalidPurchase, req.Tier)
		}
		meta[models.MetaPurpose] = string(models.PurposeBundleSlots)
		meta[models.MetaTier] = tier
		meta[models.MetaSlots] = strconv.Itoa(slots)
		item = lineItem(fmt.Sprintf("%d bundle slots (%s)", slots, tier), models.SlotCurrency, price)

	default:
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidPurchase, purpose)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.urls.Success),
		CancelURL:  stripe.String(s.urls.Cancel),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{item},
	}
	for k, v := range meta {
		if v != "" {
			params.AddMetadata(k, v)
		}
	}
	if buyer.Email != "" {
		params.CustomerEmail = stripe.String(buyer.Email)
	}
	if !buyer.Anonymous && buyer.UID != "" {
		params.ClientReferenceID = stripe.String(buyer.UID)
	}
	if connected != "" {
		params.SetStripeAccount(connected)
	}

	session, err := s.gateway.CreateSession(ctx, cred, params)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	pending, err := s.pendingPurchase(session, meta, buyer, connected)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Record(ctx, pending); err != nil {
		// The webhook records the purchase when the pending write is lost
		s.logger.Warn("Failed to record pending purchase", zap.String("session_id", session.ID), zap.Error(err))
	}

	s.logger.Info("Checkout started",
		zap.String("session_id", session.ID),
		zap.String("purpose", string(purpose)))
	return &CheckoutStart{
		SessionID:      session.ID,
		URL:            session.URL,
		Environment:    s.env,
		AnonymousToken: buyer.AnonymousToken,
	}, nil
}

func (s *CheckoutService) pendingPurchase(session *stripe.CheckoutSession, meta map[string]string, buyer models.BuyerIdentity, connected string) (models.Purchase, error) {
	if session.Metadata == nil {
		session.Metadata = meta
	}
	intent, err := models.IntentFromMetadata(session.Metadata)
	if err != nil {
		return models.Purchase{}, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
	}

	p := models.Purchase{
		SessionID:      session.ID,
		Purpose:        intent.Purpose(),
		BuyerUID:       buyer.UIDPtr(),
		BuyerEmail:     buyer.Email,
		AnonymousToken: buyer.AnonymousToken,
		Amount:         session.AmountTotal,
		Currency:       string(session.Currency),
		Environment:    s.env,
		Status:         models.PurchaseStatusPending,
	}
	if connected != "" {
		p.ConnectedAccountID = &connected
	}
	if err := intent.Accept(&purchaseFields{p: &p, buyer: buyer}); err != nil {
		return models.Purchase{}, err
	}
	return p, nil
}

func lineItem(name, currency string, amount int64) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currency),
			UnitAmount: stripe.Int64(amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
		Quantity: stripe.Int64(1),
	}
}
