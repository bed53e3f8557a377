package store

import (
	"context"

	"purchase-service/internal/models"
)

// IsEventProcessed checks if a webhook event has been handled
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a webhook event as handled
func (s *Store) MarkEventProcessed(ctx context.Context, event *models.ProcessedWebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, environment, account)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.Environment, event.Account)
	return err
}

// InsertWebhookLog stores the diagnostic copy of a webhook delivery
func (s *Store) InsertWebhookLog(ctx context.Context, entry *models.WebhookEventLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_event_log (event_id, event_type, endpoint, payload, outcome, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.EventID, entry.EventType, entry.Endpoint, entry.Payload, entry.Outcome, entry.Error, entry.ReceivedAt)
	return err
}
