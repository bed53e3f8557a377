package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"purchase-service/config"
	"purchase-service/internal/api"
	"purchase-service/internal/auth"
	"purchase-service/internal/broker"
	"purchase-service/internal/models"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/service"
	"purchase-service/internal/store"
	"purchase-service/internal/util"
	"purchase-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting purchase service", zap.String("checkout_env", cfg.Stripe.CheckoutEnv))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	purchaseProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchases)
	defer purchaseProducer.Close()
	retryProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicGrantRetry)
	defer retryProducer.Close()
	logger.Info("Kafka producers initialized",
		zap.String("purchases_topic", cfg.Kafka.TopicPurchases),
		zap.String("retry_topic", cfg.Kafka.TopicGrantRetry))

	eventPublisher := broker.NewEventPublisher(purchaseProducer, retryProducer)

	modes := service.NewSessionModeResolver(cfg.Stripe.TestSecretKey, cfg.Stripe.LiveSecretKey)
	checkoutEnv := models.Environment(cfg.Stripe.CheckoutEnv)
	if _, err := modes.CredentialFor(checkoutEnv); err != nil {
		// Verification of the other environment still works, checkout does not
		logger.Error("No usable secret key for the checkout environment", zap.Error(err))
	}

	var identities *service.BuyerIdentityResolver
	verifier := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if verifier.Enabled() {
		identities = service.NewBuyerIdentityResolver(verifier)
	} else {
		logger.Warn("JWT_SECRET not set, bearer tokens will be rejected")
		identities = service.NewBuyerIdentityResolver(nil)
	}

	gateway := service.NewStripeGateway()
	ledger := service.NewLedger(db, modes, redisClient, cfg.Business.RecentPurchaseWindow)
	grants := service.NewAccessGrantService(db, ledger)
	fulfiller := service.NewFulfiller(ledger, grants, eventPublisher)
	reconciler := service.NewReconciler(modes, gateway, identities, ledger, fulfiller, cfg.Business.ReconcileTimeout)
	checkout := service.NewCheckoutService(modes, gateway, db, ledger, checkoutEnv, service.CheckoutURLs{
		Success: cfg.Stripe.SuccessURL,
		Cancel:  cfg.Stripe.CancelURL,
	})
	dispatcher := service.NewWebhookDispatcher(
		service.WebhookSecrets{
			service.EndpointPlatform: cfg.Stripe.WebhookSecrets,
			service.EndpointConnect:  cfg.Stripe.ConnectWebhookSecrets,
		},
		modes, identities, fulfiller, db, redisClient,
		cfg.Business.WebhookLockTTL, cfg.Business.DiagnosticLogTimeout,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var retryWorker *worker.GrantRetryWorker
	if cfg.Kafka.GrantRetryWorker {
		retryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicGrantRetry, cfg.Kafka.ConsumerGroup)
		retryWorker = worker.NewGrantRetryWorker(retryConsumer, fulfiller, cfg.Business.GrantRetryAttempts, cfg.Business.GrantRetryBackoff)
		go func() {
			if err := retryWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Grant retry worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(api.Services{
		Checkout:    checkout,
		Reconciler:  reconciler,
		Dispatcher:  dispatcher,
		Grants:      grants,
		Ledger:      ledger,
		Identities:  identities,
		Environment: checkoutEnv,
		Ready: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if retryWorker != nil {
		if err := retryWorker.Stop(); err != nil {
			logger.Warn("Error stopping grant retry worker", zap.Error(err))
		}
	}
	dispatcher.Drain()

	logger.Info("Server exited")
}
