package models

import (
	"strings"
	"time"
)

// Environment is the payment-processor environment a checkout belongs to
type Environment string

const (
	EnvironmentTest Environment = "test"
	EnvironmentLive Environment = "live"
)

// Valid reports whether e is a known environment
func (e Environment) Valid() bool {
	return e == EnvironmentTest || e == EnvironmentLive
}

// PurchaseStatus is the lifecycle state of a purchase
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// CanTransition reports whether a purchase in status s may move to next.
// A completed purchase never regresses.
func (s PurchaseStatus) CanTransition(next PurchaseStatus) bool {
	switch s {
	case PurchaseStatusPending:
		return next == PurchaseStatusCompleted || next == PurchaseStatusFailed
	case PurchaseStatusFailed:
		return next == PurchaseStatusCompleted
	default:
		return false
	}
}

// Purchase is the canonical record of one checkout session
type Purchase struct {
	SessionID          string         `db:"session_id" json:"session_id"`
	PurchaseID         string         `db:"purchase_id" json:"purchase_id"`
	Purpose            Purpose        `db:"purpose" json:"purpose"`
	BuyerUID           *string        `db:"buyer_uid" json:"buyer_uid,omitempty"`
	BuyerEmail         string         `db:"buyer_email" json:"buyer_email,omitempty"`
	AnonymousToken     string         `db:"anonymous_token" json:"-"`
	CreatorID          string         `db:"creator_id" json:"creator_id"`
	TargetID           string         `db:"target_id" json:"target_id"`
	Amount             int64          `db:"amount" json:"amount"`
	Currency           string         `db:"currency" json:"currency"`
	PaymentIntentID    string         `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	ConnectedAccountID *string        `db:"connected_account_id" json:"connected_account_id,omitempty"`
	Environment        Environment    `db:"environment" json:"environment"`
	Status             PurchaseStatus `db:"status" json:"status"`
	Tier               string         `db:"tier" json:"tier,omitempty"`
	SlotsGranted       int            `db:"slots_granted" json:"slots_granted,omitempty"`
	ItemCount          int            `db:"item_count" json:"item_count,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	CompletedAt        *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// Anonymous reports whether the purchase has no authenticated buyer
func (p *Purchase) Anonymous() bool {
	return p.BuyerUID == nil || *p.BuyerUID == ""
}

// Buyer returns the identity the purchase was recorded for
func (p *Purchase) Buyer() BuyerIdentity {
	id := BuyerIdentity{
		Email:          p.BuyerEmail,
		AnonymousToken: p.AnonymousToken,
		Anonymous:      p.Anonymous(),
	}
	if !p.Anonymous() {
		id.UID = *p.BuyerUID
	}
	return id
}

// BuyerIdentity is the canonical buyer of a purchase. UID is empty for anonymous buyers.
type BuyerIdentity struct {
	UID            string `json:"uid,omitempty"`
	Email          string `json:"email,omitempty"`
	AnonymousToken string `json:"-"`
	Anonymous      bool   `json:"anonymous"`
}

// Key returns the storage key for grants and purchase history, or "" when the
// identity carries nothing to reconcile on.
func (b BuyerIdentity) Key() string {
	switch {
	case b.UID != "":
		return "uid:" + b.UID
	case b.Email != "":
		return "email:" + NormalizeEmail(b.Email)
	case b.AnonymousToken != "":
		return "anon:" + b.AnonymousToken
	default:
		return ""
	}
}

// UIDPtr returns the uid as a nullable column value
func (b BuyerIdentity) UIDPtr() *string {
	if b.UID == "" {
		return nil
	}
	uid := b.UID
	return &uid
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BuyerPurchase is the per-buyer history view of a canonical purchase
type BuyerPurchase struct {
	BuyerKey   string         `db:"buyer_key" json:"buyer_key"`
	PurchaseID string         `db:"purchase_id" json:"purchase_id"`
	SessionID  string         `db:"session_id" json:"session_id"`
	TargetID   string         `db:"target_id" json:"target_id"`
	Status     PurchaseStatus `db:"status" json:"status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// TargetKind distinguishes single content items from bundles
type TargetKind string

const (
	TargetKindContent TargetKind = "content"
	TargetKindBundle  TargetKind = "bundle"
)

// Target is a purchasable content item or bundle
type Target struct {
	ID                 string     `db:"target_id" json:"target_id"`
	Kind               TargetKind `db:"kind" json:"kind"`
	CreatorID          string     `db:"creator_id" json:"creator_id"`
	Title              string     `db:"title" json:"title"`
	Published          bool       `db:"published" json:"published"`
	Price              int64      `db:"price" json:"price"`
	Currency           string     `db:"currency" json:"currency"`
	ItemCount          int        `db:"item_count" json:"item_count"`
	ConnectedAccountID *string    `db:"connected_account_id" json:"connected_account_id,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// AccessGrant entitles one buyer to one target
type AccessGrant struct {
	BuyerKey         string    `db:"buyer_key" json:"buyer_key"`
	BuyerUID         *string   `db:"buyer_uid" json:"buyer_uid,omitempty"`
	BuyerEmail       string    `db:"buyer_email" json:"buyer_email,omitempty"`
	TargetID         string    `db:"target_id" json:"target_id"`
	CreatorID        string    `db:"creator_id" json:"creator_id"`
	SourceSessionID  string    `db:"source_session_id" json:"source_session_id"`
	SourcePurchaseID string    `db:"source_purchase_id" json:"source_purchase_id"`
	GrantedAt        time.Time `db:"granted_at" json:"granted_at"`
}

// LibraryItem is the buyer's lightweight pointer to a granted target
type LibraryItem struct {
	BuyerKey  string    `db:"buyer_key" json:"buyer_key"`
	TargetID  string    `db:"target_id" json:"target_id"`
	CreatorID string    `db:"creator_id" json:"creator_id"`
	Title     string    `db:"title" json:"title"`
	AddedAt   time.Time `db:"added_at" json:"added_at"`
}

// BundleSlotPurchase raises a creator's quota of sellable bundles.
// SessionID is the idempotency key for the quota increment.
type BundleSlotPurchase struct {
	SessionID  string    `db:"session_id" json:"session_id"`
	CreatorUID string    `db:"creator_uid" json:"creator_uid"`
	Tier       string    `db:"tier" json:"tier"`
	Slots      int       `db:"slots" json:"slots"`
	AppliedAt  time.Time `db:"applied_at" json:"applied_at"`
}

// ProcessedWebhookEvent marks a processor event id as handled
type ProcessedWebhookEvent struct {
	EventID     string      `db:"event_id"`
	EventType   string      `db:"event_type"`
	Environment Environment `db:"environment"`
	Account     string      `db:"account"`
	ProcessedAt time.Time   `db:"processed_at"`
}

// WebhookEventLog is the diagnostic copy of a received webhook
type WebhookEventLog struct {
	ID         int64     `db:"id"`
	EventID    string    `db:"event_id"`
	EventType  string    `db:"event_type"`
	Endpoint   string    `db:"endpoint"`
	Payload    []byte    `db:"payload"`
	Outcome    string    `db:"outcome"`
	Error      string    `db:"error"`
	ReceivedAt time.Time `db:"received_at"`
}
