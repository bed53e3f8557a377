package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"purchase-service/internal/auth"
	"purchase-service/internal/models"
	"purchase-service/internal/service"
	"purchase-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	anonymousCookie = "mp_anon"
	maxWebhookBody  = 1 << 20
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the handlers' collaborators
type Services struct {
	Checkout    *service.CheckoutService
	Reconciler  *service.Reconciler
	Dispatcher  *service.WebhookDispatcher
	Grants      *service.AccessGrantService
	Ledger      *service.Ledger
	Identities  *service.BuyerIdentityResolver
	Environment models.Environment
	Ready       map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc, logger: util.GetLogger()}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/stripe", h.webhook(service.EndpointPlatform))
		v1.POST("/webhooks/stripe/connect", h.webhook(service.EndpointConnect))

		v1.POST("/checkout", h.startCheckout)

		v1.POST("/purchases/verify-session", h.verifySession)
		v1.GET("/purchases", h.listPurchases)
		v1.GET("/purchases/recent", h.recentPurchase)
		v1.GET("/purchases/:session_id", h.getPurchase)

		v1.POST("/access/grant", h.grantAccess)
		v1.POST("/access/claim", h.claimAccess)

		v1.GET("/slots/quota", h.slotQuota)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once every dependency answers a ping
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.svc.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// webhook verifies and dispatches a processor delivery. The body is read raw
// because the signature covers the exact bytes.
func (h *Handler) webhook(endpoint service.WebhookEndpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}

		outcome, err := h.svc.Dispatcher.Handle(c.Request.Context(), endpoint, payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	}
}

type verifySessionRequest struct {
	SessionID          string `json:"session_id" binding:"required"`
	ConnectedAccountID string `json:"connected_account_id"`
	BuyerEmail         string `json:"buyer_email"`
	BuyerUID           string `json:"buyer_uid"`
}

// verifySession reconciles a session when the client returns from checkout
func (h *Handler) verifySession(c *gin.Context) {
	var req verifySessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": err.Error(),
		})
		return
	}

	identity := h.identityRequest(c)
	identity.BodyUID = req.BuyerUID
	identity.BodyEmail = req.BuyerEmail

	res, err := h.svc.Reconciler.Verify(c.Request.Context(), service.VerifyRequest{
		SessionID:          req.SessionID,
		ConnectedAccountID: req.ConnectedAccountID,
		Identity:           identity,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": res.Summary()})
}

type grantAccessRequest struct {
	TargetID   string `json:"target_id" binding:"required"`
	SessionID  string `json:"session_id"`
	BuyerEmail string `json:"buyer_email"`
	BuyerUID   string `json:"buyer_uid"`
}

// grantAccess grants a target to the caller from a completed purchase
func (h *Handler) grantAccess(c *gin.Context) {
	var req grantAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": err.Error(),
		})
		return
	}

	identity := h.identityRequest(c)
	identity.BodyUID = req.BuyerUID
	identity.BodyEmail = req.BuyerEmail
	if req.SessionID != "" {
		if env, err := service.EnvironmentOf(req.SessionID); err == nil {
			identity.Environment = env
		}
	}

	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), identity)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp, err := h.svc.Grants.GrantForRequest(c.Request.Context(), service.GrantRequest{
		Buyer:     buyer,
		TargetID:  req.TargetID,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// claimAccess moves anonymous purchases made with the caller's email onto their account
func (h *Handler) claimAccess(c *gin.Context) {
	identity := h.identityRequest(c)
	if !identity.BearerPresent {
		h.writeError(c, service.ErrAuthentication)
		return
	}
	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), identity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if buyer.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "token carries no email"})
		return
	}

	res, err := h.svc.Grants.ClaimAnonymous(c.Request.Context(), buyer.UID, buyer.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type startCheckoutRequest struct {
	Purpose    models.Purpose `json:"purpose"`
	TargetID   string         `json:"target_id"`
	Tier       string         `json:"tier"`
	BuyerEmail string         `json:"buyer_email"`
}

// startCheckout creates a checkout session. Anonymous buyers get a cookie that
// ties the session back to this browser.
func (h *Handler) startCheckout(c *gin.Context) {
	var req startCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": err.Error(),
		})
		return
	}

	identity := h.identityRequest(c)
	identity.BodyEmail = req.BuyerEmail
	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), identity)
	if err != nil {
		h.writeError(c, err)
		return
	}

	start, err := h.svc.Checkout.Start(c.Request.Context(), service.StartCheckoutRequest{
		Purpose:  req.Purpose,
		TargetID: req.TargetID,
		Tier:     req.Tier,
		Buyer:    buyer,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if start.AnonymousToken != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(anonymousCookie, start.AnonymousToken, int((30 * 24 * time.Hour).Seconds()), "/", "", true, true)
	}
	c.JSON(http.StatusCreated, start)
}

// getPurchase reads one purchase from the ledger
func (h *Handler) getPurchase(c *gin.Context) {
	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), h.identityRequest(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	p, err := h.svc.Ledger.GetBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if buyer.UID != "" && !p.Anonymous() && *p.BuyerUID != buyer.UID {
		h.writeError(c, service.ErrIdentityMismatch)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchase": p})
}

// listPurchases returns the caller's purchase history
func (h *Handler) listPurchases(c *gin.Context) {
	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), h.identityRequest(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if buyer.UID == "" {
		h.writeError(c, service.ErrAuthentication)
		return
	}

	rows, err := h.svc.Ledger.History(c.Request.Context(), buyer)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []models.BuyerPurchase{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": rows})
}

// recentPurchase is polled by the UI right after checkout
func (h *Handler) recentPurchase(c *gin.Context) {
	targetID := c.Query("target_id")
	if targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "target_id is required"})
		return
	}

	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "window must be a positive number of seconds"})
			return
		}
		window = time.Duration(secs) * time.Second
	}

	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), h.identityRequest(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	p, err := h.svc.Ledger.FindRecentCompleted(c.Request.Context(), buyer, targetID, window)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusOK, gin.H{"purchased": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"purchased":  true,
		"session_id": p.SessionID,
	})
}

// slotQuota returns the signed-in creator's bundle slot quota
func (h *Handler) slotQuota(c *gin.Context) {
	buyer, err := h.svc.Identities.Resolve(c.Request.Context(), h.identityRequest(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if buyer.UID == "" {
		h.writeError(c, service.ErrAuthentication)
		return
	}

	quota, err := h.svc.Grants.Quota(c.Request.Context(), buyer.UID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"creator_uid": buyer.UID, "quota": quota})
}

// identityRequest collects the caller's credentials from headers and cookies
func (h *Handler) identityRequest(c *gin.Context) service.IdentityRequest {
	token, present := auth.BearerToken(c.GetHeader("Authorization"))
	req := service.IdentityRequest{
		BearerPresent: present,
		BearerToken:   token,
		Environment:   h.svc.Environment,
	}
	if cookie, err := c.Cookie(anonymousCookie); err == nil {
		req.AnonymousCookie = cookie
	}
	return req
}

// writeError maps a service error onto a status and a stable error code
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   code,
		"details": err.Error(),
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrPaymentIncomplete):
		return http.StatusAccepted, "not_paid"
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrPurchaseNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrAuthentication):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrIdentityMismatch):
		return http.StatusForbidden, "identity_mismatch"
	case errors.Is(err, service.ErrTargetUnavailable):
		return http.StatusGone, "target_unavailable"
	case errors.Is(err, service.ErrGrantFailed):
		return http.StatusInternalServerError, "grant_failed"
	case errors.Is(err, service.ErrWebhookSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, service.ErrConfiguration):
		return http.StatusBadRequest, "configuration_error"
	case errors.Is(err, service.ErrInvalidPurchase):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrEventInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, service.ErrClaimConflict):
		return http.StatusConflict, "claim_conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
