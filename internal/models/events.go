package models

import "time"

// Event types
const (
	EventTypePurchaseCompleted   = "PURCHASE_COMPLETED"
	EventTypePurchaseFailed      = "PURCHASE_FAILED"
	EventTypeAccessGranted       = "ACCESS_GRANTED"
	EventTypeSlotsGranted        = "BUNDLE_SLOTS_GRANTED"
	EventTypeGrantRetryRequested = "GRANT_RETRY_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseCompletedEvent published the first time a purchase reaches completed
type PurchaseCompletedEvent struct {
	BaseEvent
	SessionID   string      `json:"session_id"`
	PurchaseID  string      `json:"purchase_id"`
	Purpose     Purpose     `json:"purpose"`
	BuyerUID    string      `json:"buyer_uid,omitempty"`
	BuyerEmail  string      `json:"buyer_email,omitempty"`
	CreatorID   string      `json:"creator_id"`
	TargetID    string      `json:"target_id,omitempty"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Environment Environment `json:"environment"`
	Source      string      `json:"source"`
}

// PurchaseFailedEvent published when a pending purchase fails or expires
type PurchaseFailedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// AccessGrantedEvent published when a new grant is created
type AccessGrantedEvent struct {
	BaseEvent
	BuyerKey   string `json:"buyer_key"`
	TargetID   string `json:"target_id"`
	CreatorID  string `json:"creator_id"`
	SessionID  string `json:"session_id"`
	PurchaseID string `json:"purchase_id"`
}

// SlotsGrantedEvent published when a bundle-slot credit is applied
type SlotsGrantedEvent struct {
	BaseEvent
	CreatorUID string `json:"creator_uid"`
	SessionID  string `json:"session_id"`
	Tier       string `json:"tier"`
	Slots      int    `json:"slots"`
	Quota      int    `json:"quota"`
}

// GrantRetryRequestedEvent asks the retry worker to re-run the grant step for
// a completed purchase whose grant failed
type GrantRetryRequestedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Attempt   int    `json:"attempt"`
}
