package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"purchase-service/internal/models"
	"purchase-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing purchase domain events. Purchase events go
// to the purchases topic, retry requests to their own topic.
type EventPublisher struct {
	purchases *Producer
	retries   *Producer
}

// NewEventPublisher creates a new event publisher. retries may be nil, in which
// case retry requests share the purchases topic.
func NewEventPublisher(purchases, retries *Producer) *EventPublisher {
	if retries == nil {
		retries = purchases
	}
	return &EventPublisher{purchases: purchases, retries: retries}
}

func sessionKey(sessionID string) string {
	return "session-" + sessionID
}

// PublishPurchaseCompleted publishes PurchaseCompleted event
func (ep *EventPublisher) PublishPurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error {
	return ep.purchases.PublishEvent(ctx, sessionKey(event.SessionID), event.EventType, event)
}

// PublishPurchaseFailed publishes PurchaseFailed event
func (ep *EventPublisher) PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	return ep.purchases.PublishEvent(ctx, sessionKey(event.SessionID), event.EventType, event)
}

// PublishAccessGranted publishes AccessGranted event
func (ep *EventPublisher) PublishAccessGranted(ctx context.Context, event *models.AccessGrantedEvent) error {
	return ep.purchases.PublishEvent(ctx, sessionKey(event.SessionID), event.EventType, event)
}

// PublishSlotsGranted publishes SlotsGranted event
func (ep *EventPublisher) PublishSlotsGranted(ctx context.Context, event *models.SlotsGrantedEvent) error {
	return ep.purchases.PublishEvent(ctx, sessionKey(event.SessionID), event.EventType, event)
}

// PublishGrantRetry publishes GrantRetryRequested event
func (ep *EventPublisher) PublishGrantRetry(ctx context.Context, event *models.GrantRetryRequestedEvent) error {
	return ep.retries.PublishEvent(ctx, sessionKey(event.SessionID), event.EventType, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onGrantRetry func(context.Context, *models.GrantRetryRequestedEvent) error
	logger       *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnGrantRetryRequested registers a handler for GrantRetryRequested events
func (eh *EventHandler) OnGrantRetryRequested(handler func(context.Context, *models.GrantRetryRequestedEvent) error) {
	eh.onGrantRetry = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeGrantRetryRequested:
		if eh.onGrantRetry != nil {
			var event models.GrantRetryRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal GrantRetryRequested event: %w", err)
			}
			return eh.onGrantRetry(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
