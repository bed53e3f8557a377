package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRetrier struct {
	mock.Mock
}

func (m *mockRetrier) RetryGrant(ctx context.Context, event *models.GrantRetryRequestedEvent) error {
	return m.Called(ctx, event).Error(0)
}

func retryEvent(attempt int) *models.GrantRetryRequestedEvent {
	return &models.GrantRetryRequestedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeGrantRetryRequested, Timestamp: time.Now()},
		SessionID: "cs_test_retry",
		Attempt:   attempt,
	}
}

func TestHandleRetryCommitsAfterAttempt(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "succeeded"},
		{name: "republished", err: fmt.Errorf("%w: deadlock", service.ErrGrantFailed)},
		{name: "target gone", err: service.ErrTargetUnavailable},
		{name: "store unreachable", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRetrier{}
			r.On("RetryGrant", mock.Anything, mock.Anything).Return(tt.err).Once()
			w := NewGrantRetryWorker(nil, r, 3, 0)

			err := w.handleRetry(context.Background(), retryEvent(1))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			r.AssertExpectations(t)
		})
	}
}

func TestHandleRetryStopsAfterMaxAttempts(t *testing.T) {
	r := &mockRetrier{}
	w := NewGrantRetryWorker(nil, r, 3, 0)

	assert.NoError(t, w.handleRetry(context.Background(), retryEvent(4)))
	r.AssertNotCalled(t, "RetryGrant", mock.Anything, mock.Anything)
}

func TestHandleRetryWaitsForBackoff(t *testing.T) {
	r := &mockRetrier{}
	w := NewGrantRetryWorker(nil, r, 3, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.handleRetry(ctx, retryEvent(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	r.AssertNotCalled(t, "RetryGrant", mock.Anything, mock.Anything)
}

func TestHandleRetryDueImmediately(t *testing.T) {
	r := &mockRetrier{}
	r.On("RetryGrant", mock.Anything, mock.Anything).Return(nil).Once()
	w := NewGrantRetryWorker(nil, r, 3, time.Millisecond)

	event := retryEvent(2)
	event.Timestamp = time.Now().Add(-time.Minute)
	assert.NoError(t, w.handleRetry(context.Background(), event))
	r.AssertExpectations(t)
}
