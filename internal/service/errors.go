package service

import "errors"

var (
	// ErrConfiguration is an environment or credential mismatch. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrWebhookSignature means the webhook payload could not be trusted
	ErrWebhookSignature = errors.New("webhook signature verification failed")
	// ErrAuthentication means a caller credential was present but invalid
	ErrAuthentication = errors.New("authentication failed")
	// ErrIdentityMismatch means the caller disagrees with the buyer recorded on the session
	ErrIdentityMismatch = errors.New("buyer identity mismatch")
	// ErrPaymentIncomplete means the processor has not confirmed payment yet
	ErrPaymentIncomplete = errors.New("payment not complete")
	// ErrTargetUnavailable means the purchased target is missing or unpublished
	ErrTargetUnavailable = errors.New("target unavailable")
	// ErrSessionNotFound means the processor has no such checkout session
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrGrantFailed means the purchase is recorded but access could not be granted yet
	ErrGrantFailed = errors.New("access grant failed")
	// ErrPurchaseNotFound means the ledger has no matching purchase
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrInvalidPurchase means the purchase fields are incomplete or contradictory
	ErrInvalidPurchase = errors.New("invalid purchase")
	// ErrClaimConflict means the email is already linked to a different account
	ErrClaimConflict = errors.New("email already claimed by another account")
	// ErrEventInFlight means another instance is handling the same webhook event
	ErrEventInFlight = errors.New("webhook event already in flight")
)
