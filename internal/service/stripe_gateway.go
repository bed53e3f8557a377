package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// PaymentGateway is the processor API used to read and create checkout sessions.
// connectedAccount is empty for the platform account.
type PaymentGateway interface {
	GetSession(ctx context.Context, cred Credential, sessionID, connectedAccount string) (*stripe.CheckoutSession, error)
	CreateSession(ctx context.Context, cred Credential, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway talks to Stripe with the key of the calling environment. The
// package-level stripe.Key is never set.
type StripeGateway struct {
	backend stripe.Backend
}

func NewStripeGateway() *StripeGateway {
	return &StripeGateway{backend: stripe.GetBackend(stripe.APIBackend)}
}

func (g *StripeGateway) sessions(cred Credential) *stripesession.Client {
	return &stripesession.Client{B: g.backend, Key: cred.Key}
}

// GetSession fetches a checkout session, on the connected account when given
func (g *StripeGateway) GetSession(ctx context.Context, cred Credential, sessionID, connectedAccount string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if connectedAccount != "" {
		params.SetStripeAccount(connectedAccount)
	}

	session, err := g.sessions(cred).Get(sessionID, params)
	if err != nil {
		return nil, mapStripeError(err, sessionID)
	}
	return session, nil
}

// CreateSession creates a checkout session. Direct charges set the connected
// account on params before calling.
func (g *StripeGateway) CreateSession(ctx context.Context, cred Credential, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	session, err := g.sessions(cred).New(params)
	if err != nil {
		return nil, mapStripeError(err, "")
	}
	return session, nil
}

func mapStripeError(err error, sessionID string) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe request failed: %w", err)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: stripe rejected the api key: %s", ErrConfiguration, stripeErr.Msg)
	default:
		return fmt.Errorf("stripe request failed: %w", err)
	}
}

// sessionPaid reports whether the processor has confirmed payment
func sessionPaid(s *stripe.CheckoutSession) bool {
	return s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}

func sessionEmail(s *stripe.CheckoutSession) string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}
