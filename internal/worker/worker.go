package worker

import (
	"context"
	"errors"
	"time"

	"purchase-service/internal/broker"
	"purchase-service/internal/models"
	"purchase-service/internal/service"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// GrantRetrier re-runs the grant step of a completed purchase
type GrantRetrier interface {
	RetryGrant(ctx context.Context, event *models.GrantRetryRequestedEvent) error
}

// GrantRetryWorker consumes grant retry requests. A failed retry is republished
// by the Fulfiller with the next attempt number, so each message is committed
// once it has been tried.
type GrantRetryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	retrier      GrantRetrier
	maxAttempts  int
	backoff      time.Duration
	logger       *zap.Logger
}

// NewGrantRetryWorker creates a new grant retry worker
func NewGrantRetryWorker(consumer *broker.Consumer, retrier GrantRetrier, maxAttempts int, backoff time.Duration) *GrantRetryWorker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	w := &GrantRetryWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		retrier:      retrier,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnGrantRetryRequested(w.handleRetry)
	return w
}

// Start starts the worker
func (w *GrantRetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting grant retry worker", zap.Int("max_attempts", w.maxAttempts))
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *GrantRetryWorker) Stop() error {
	w.logger.Info("Stopping grant retry worker")
	return w.consumer.Close()
}

func (w *GrantRetryWorker) handleRetry(ctx context.Context, event *models.GrantRetryRequestedEvent) error {
	if event.Attempt > w.maxAttempts {
		util.GrantRetriesTotal.WithLabelValues("exhausted").Inc()
		w.logger.Error("Grant retries exhausted, purchase needs manual reconciliation",
			zap.String("session_id", event.SessionID),
			zap.Int("attempt", event.Attempt),
			zap.String("reason", event.Reason))
		return nil
	}

	if err := w.wait(ctx, event); err != nil {
		return err
	}

	err := w.retrier.RetryGrant(ctx, event)
	switch {
	case err == nil:
		util.GrantRetriesTotal.WithLabelValues("succeeded").Inc()
		return nil
	case errors.Is(err, service.ErrGrantFailed):
		// Already republished with the next attempt
		util.GrantRetriesTotal.WithLabelValues("failed").Inc()
		return nil
	case errors.Is(err, service.ErrTargetUnavailable), errors.Is(err, service.ErrInvalidPurchase), errors.Is(err, service.ErrPurchaseNotFound):
		util.GrantRetriesTotal.WithLabelValues("skipped").Inc()
		w.logger.Error("Grant retry cannot succeed", zap.String("session_id", event.SessionID), zap.Error(err))
		return nil
	default:
		util.GrantRetriesTotal.WithLabelValues("failed").Inc()
		return err
	}
}

// wait delays the attempt linearly from the time the request was made
func (w *GrantRetryWorker) wait(ctx context.Context, event *models.GrantRetryRequestedEvent) error {
	if w.backoff <= 0 {
		return nil
	}
	due := event.Timestamp.Add(time.Duration(event.Attempt) * w.backoff)
	delay := time.Until(due)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
