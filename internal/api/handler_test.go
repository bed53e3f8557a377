package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"purchase-service/internal/auth"
	"purchase-service/internal/models"
	"purchase-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_api_test"

type logOnlyStore struct {
	mu   sync.Mutex
	logs []models.WebhookEventLog
}

func (s *logOnlyStore) IsEventProcessed(context.Context, string) (bool, error) { return false, nil }

func (s *logOnlyStore) MarkEventProcessed(context.Context, *models.ProcessedWebhookEvent) error {
	return nil
}

func (s *logOnlyStore) InsertWebhookLog(_ context.Context, entry *models.WebhookEventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, ready map[string]Pinger) (*gin.Engine, *auth.TokenVerifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier := auth.NewTokenVerifier("jwt-secret", "")
	identities := service.NewBuyerIdentityResolver(verifier)
	modes := service.NewSessionModeResolver("sk_test_1", "")
	dispatcher := service.NewWebhookDispatcher(
		service.WebhookSecrets{service.EndpointPlatform: {testSecret}},
		modes, identities, nil, &logOnlyStore{}, nil, time.Second, time.Second,
	)
	t.Cleanup(dispatcher.Drain)

	router := gin.New()
	NewHandler(Services{
		Dispatcher:  dispatcher,
		Identities:  identities,
		Environment: models.EnvironmentTest,
		Ready:       ready,
	}).SetupRoutes(router)
	return router, verifier
}

func do(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	router, _ := newTestRouter(t, map[string]Pinger{"postgres": pinger{}, "redis": pinger{}})
	w := do(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	router, _ = newTestRouter(t, map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("dial tcp: refused")}})
	w = do(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "refused")
}

func TestWebhookSignature(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	w := do(router, http.MethodPost, "/api/v1/webhooks/stripe", string(payload), map[string]string{
		"Stripe-Signature": "t=1,v1=deadbeef",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", errorCode(t, w))

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	w = do(router, http.MethodPost, "/api/v1/webhooks/stripe", string(signed.Payload), map[string]string{
		"Stripe-Signature": signed.Header,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(service.WebhookIgnored))
}

func TestConnectWebhookWithoutSecretIsRejected(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodPost, "/api/v1/webhooks/stripe/connect", `{}`, map[string]string{
		"Stripe-Signature": "t=1,v1=deadbeef",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "configuration_error", errorCode(t, w))
}

func TestWebhookBodyLimit(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodPost, "/api/v1/webhooks/stripe", strings.Repeat("a", maxWebhookBody+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestVerifySessionRequiresSessionID(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodPost, "/api/v1/purchases/verify-session", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClaimRequiresBearer(t *testing.T) {
	router, verifier := newTestRouter(t, nil)

	w := do(router, http.MethodPost, "/api/v1/access/claim", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/api/v1/access/claim", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := verifier.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	w = do(router, http.MethodPost, "/api/v1/access/claim", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignedInEndpointsRejectAnonymousCallers(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	for _, path := range []string{"/api/v1/purchases", "/api/v1/slots/quota"} {
		w := do(router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRecentPurchaseValidatesQuery(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/api/v1/purchases/recent", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/purchases/recent?target_id=bundle_1&window=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrPaymentIncomplete, http.StatusAccepted, "not_paid"},
		{service.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{service.ErrPurchaseNotFound, http.StatusNotFound, "not_found"},
		{service.ErrAuthentication, http.StatusUnauthorized, "unauthorized"},
		{service.ErrIdentityMismatch, http.StatusForbidden, "identity_mismatch"},
		{service.ErrTargetUnavailable, http.StatusGone, "target_unavailable"},
		{fmt.Errorf("%w: deadlock", service.ErrGrantFailed), http.StatusInternalServerError, "grant_failed"},
		{service.ErrWebhookSignature, http.StatusBadRequest, "invalid_signature"},
		{service.ErrConfiguration, http.StatusBadRequest, "configuration_error"},
		{service.ErrEventInFlight, http.StatusConflict, "in_flight"},
		{service.ErrClaimConflict, http.StatusConflict, "claim_conflict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
