package service

import (
	"context"
	"fmt"
	"strings"

	"purchase-service/internal/auth"
	"purchase-service/internal/models"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// TokenVerifier checks bearer credentials
type TokenVerifier interface {
	Verify(raw string) (auth.Claims, error)
}

// IdentityRequest carries every identity hint available for one checkout session
type IdentityRequest struct {
	// BearerPresent is set whenever an Authorization header was sent, even if empty or malformed
	BearerPresent bool
	BearerToken   string

	BodyUID   string
	BodyEmail string

	AnonymousCookie string

	// Filled from the processor's view of the session
	Environment  models.Environment
	Metadata     map[string]string
	SessionEmail string
}

// BuyerIdentityResolver decides who bought a checkout session
type BuyerIdentityResolver struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

func NewBuyerIdentityResolver(verifier TokenVerifier) *BuyerIdentityResolver {
	return &BuyerIdentityResolver{
		verifier: verifier,
		logger:   util.GetLogger(),
	}
}

// Resolve applies, in order: a verified bearer credential, the identity stored in
// session metadata, a body uid (test environment only), and finally anonymous.
func (r *BuyerIdentityResolver) Resolve(ctx context.Context, req IdentityRequest) (models.BuyerIdentity, error) {
	_, span := util.StartSpan(ctx, "BuyerIdentityResolver.Resolve")
	defer span.End()

	metaUID := strings.TrimSpace(req.Metadata[models.MetaBuyerUID])
	email := firstNonEmpty(req.SessionEmail, req.Metadata[models.MetaBuyerEmail], req.BodyEmail)

	if req.BearerPresent {
		if r.verifier == nil {
			err := fmt.Errorf("%w: bearer credential sent but no verifier is configured", ErrAuthentication)
			util.RecordError(span, err)
			return models.BuyerIdentity{}, err
		}
		claims, err := r.verifier.Verify(req.BearerToken)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrAuthentication, err)
			util.RecordError(span, err)
			return models.BuyerIdentity{}, err
		}
		if metaUID != "" && metaUID != claims.UID {
			r.logger.Warn("Bearer credential disagrees with session buyer",
				zap.String("token_uid", claims.UID),
				zap.String("session_uid", metaUID))
			err := fmt.Errorf("%w: session was created for a different account", ErrIdentityMismatch)
			util.RecordError(span, err)
			return models.BuyerIdentity{}, err
		}
		return models.BuyerIdentity{
			UID:   claims.UID,
			Email: models.NormalizeEmail(firstNonEmpty(req.SessionEmail, claims.Email, req.Metadata[models.MetaBuyerEmail])),
		}, nil
	}

	if metaUID != "" {
		return models.BuyerIdentity{UID: metaUID, Email: models.NormalizeEmail(email)}, nil
	}

	if uid := strings.TrimSpace(req.BodyUID); uid != "" {
		if req.Environment == models.EnvironmentTest {
			return models.BuyerIdentity{UID: uid, Email: models.NormalizeEmail(email)}, nil
		}
		r.logger.Info("Ignoring body buyer uid outside the test environment",
			zap.String("environment", string(req.Environment)))
	}

	return models.BuyerIdentity{
		Email:          models.NormalizeEmail(email),
		AnonymousToken: firstNonEmpty(req.Metadata[models.MetaAnonymousToken], req.AnonymousCookie),
		Anonymous:      true,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
