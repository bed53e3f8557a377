package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// RecordOutcome describes what RecordPurchase did
type RecordOutcome string

const (
	// OutcomeCreated means this call created the canonical row
	OutcomeCreated RecordOutcome = "created"
	// OutcomeTransitioned means an existing row moved to a new status
	OutcomeTransitioned RecordOutcome = "transitioned"
	// OutcomeBackfilled means an existing row only had gaps filled
	OutcomeBackfilled RecordOutcome = "backfilled"
	// OutcomeExisting means the existing row was returned unchanged
	OutcomeExisting RecordOutcome = "existing"
)

const purchaseColumns = `session_id, purchase_id, purpose, buyer_uid, buyer_email, anonymous_token,
	creator_id, target_id, amount, currency, payment_intent_id, connected_account_id,
	environment, status, tier, slots_granted, item_count, created_at, completed_at`

// RecordPurchase creates the canonical purchase for p.SessionID if it does not
// exist, otherwise merges p into the existing row under a row lock. The
// per-buyer and legacy views are projected in the same transaction.
func (s *Store) RecordPurchase(ctx context.Context, p *models.Purchase) (models.Purchase, RecordOutcome, error) {
	var (
		out     models.Purchase
		outcome RecordOutcome
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `
			INSERT INTO purchases (`+purchaseColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (session_id) DO NOTHING
			RETURNING `+purchaseColumns,
			p.SessionID, p.PurchaseID, p.Purpose, p.BuyerUID, p.BuyerEmail, p.AnonymousToken,
			p.CreatorID, p.TargetID, p.Amount, p.Currency, p.PaymentIntentID, p.ConnectedAccountID,
			p.Environment, p.Status, p.Tier, p.SlotsGranted, p.ItemCount, p.CreatedAt, p.CompletedAt)

		switch {
		case err == nil:
			outcome = OutcomeCreated
		case errors.Is(err, sql.ErrNoRows):
			var existing models.Purchase
			if err := tx.GetContext(ctx, &existing,
				"SELECT "+purchaseColumns+" FROM purchases WHERE session_id = $1 FOR UPDATE", p.SessionID); err != nil {
				return fmt.Errorf("lock purchase %s: %w", p.SessionID, err)
			}

			merged, mergeOutcome := MergePurchase(existing, *p)
			outcome = mergeOutcome
			out = merged
			if outcome != OutcomeExisting {
				if err := updatePurchase(ctx, tx, &merged); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("insert purchase %s: %w", p.SessionID, err)
		}

		return projectViews(ctx, tx, &out)
	})
	if err != nil {
		return models.Purchase{}, "", err
	}
	return out, outcome, nil
}

// MergePurchase applies incoming to existing without ever regressing a
// completed purchase. Payment fields are only written on a status transition;
// otherwise only empty fields are backfilled.
func MergePurchase(existing, incoming models.Purchase) (models.Purchase, RecordOutcome) {
	merged := existing
	outcome := OutcomeExisting

	if existing.Status != incoming.Status && existing.Status.CanTransition(incoming.Status) {
		merged.Status = incoming.Status
		if incoming.Status == models.PurchaseStatusCompleted {
			merged.Amount = incoming.Amount
			merged.Currency = incoming.Currency
			if incoming.PaymentIntentID != "" {
				merged.PaymentIntentID = incoming.PaymentIntentID
			}
			merged.CompletedAt = incoming.CompletedAt
		}
		outcome = OutcomeTransitioned
	}

	backfilled := false
	if merged.ItemCount == 0 && incoming.ItemCount > 0 {
		merged.ItemCount = incoming.ItemCount
		backfilled = true
	}
	if merged.BuyerEmail == "" && incoming.BuyerEmail != "" {
		merged.BuyerEmail = incoming.BuyerEmail
		backfilled = true
	}
	if merged.Anonymous() && !incoming.Anonymous() && existing.Status != models.PurchaseStatusCompleted {
		merged.BuyerUID = incoming.BuyerUID
		backfilled = true
	}
	if merged.PaymentIntentID == "" && incoming.PaymentIntentID != "" {
		merged.PaymentIntentID = incoming.PaymentIntentID
		backfilled = true
	}
	if merged.ConnectedAccountID == nil && incoming.ConnectedAccountID != nil {
		merged.ConnectedAccountID = incoming.ConnectedAccountID
		backfilled = true
	}
	if merged.CreatorID == "" && incoming.CreatorID != "" {
		merged.CreatorID = incoming.CreatorID
		backfilled = true
	}

	if backfilled && outcome == OutcomeExisting {
		outcome = OutcomeBackfilled
	}
	return merged, outcome
}

func updatePurchase(ctx context.Context, tx *sqlx.Tx, p *models.Purchase) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE purchases SET
			status = $2, amount = $3, currency = $4, payment_intent_id = $5, completed_at = $6,
			item_count = $7, buyer_email = $8, buyer_uid = $9, connected_account_id = $10, creator_id = $11
		WHERE session_id = $1`,
		p.SessionID, p.Status, p.Amount, p.Currency, p.PaymentIntentID, p.CompletedAt,
		p.ItemCount, p.BuyerEmail, p.BuyerUID, p.ConnectedAccountID, p.CreatorID)
	if err != nil {
		return fmt.Errorf("update purchase %s: %w", p.SessionID, err)
	}
	return nil
}

// projectViews rewrites the read-side copies of p. Views are never written
// anywhere else.
func projectViews(ctx context.Context, tx *sqlx.Tx, p *models.Purchase) error {
	buyerKey := p.Buyer().Key()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM buyer_purchases WHERE purchase_id = $1 AND buyer_key <> $2",
		p.PurchaseID, buyerKey); err != nil {
		return fmt.Errorf("prune buyer view: %w", err)
	}

	if buyerKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO buyer_purchases (buyer_key, purchase_id, session_id, target_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (buyer_key, purchase_id) DO UPDATE SET status = EXCLUDED.status, target_id = EXCLUDED.target_id`,
			buyerKey, p.PurchaseID, p.SessionID, p.TargetID, p.Status, p.CreatedAt); err != nil {
			return fmt.Errorf("project buyer view: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO legacy_purchases (session_id, user_id, email, bundle_id, creator_id, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id, email = EXCLUDED.email, amount = EXCLUDED.amount,
			currency = EXCLUDED.currency, status = EXCLUDED.status`,
		p.SessionID, p.BuyerUID, p.BuyerEmail, p.TargetID, p.CreatorID, p.Amount, p.Currency, p.Status, p.CreatedAt); err != nil {
		return fmt.Errorf("project legacy view: %w", err)
	}
	return nil
}

// GetPurchaseBySession retrieves the canonical purchase
func (s *Store) GetPurchaseBySession(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p, "SELECT "+purchaseColumns+" FROM purchases WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type legacyPurchaseRow struct {
	SessionID string    `db:"session_id"`
	UserID    *string   `db:"user_id"`
	Email     string    `db:"email"`
	BundleID  string    `db:"bundle_id"`
	CreatorID string    `db:"creator_id"`
	Amount    int64     `db:"amount"`
	Currency  string    `db:"currency"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// GetLegacyPurchase reads a purchase written before the canonical ledger existed.
// The returned purchase has no PurchaseID or Environment; callers fill them.
func (s *Store) GetLegacyPurchase(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var row legacyPurchaseRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM legacy_purchases WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status := models.PurchaseStatus(row.Status)
	var completedAt *time.Time
	if status == models.PurchaseStatusCompleted {
		at := row.CreatedAt
		completedAt = &at
	}
	return &models.Purchase{
		SessionID:   row.SessionID,
		Purpose:     models.PurposeContent,
		BuyerUID:    row.UserID,
		BuyerEmail:  row.Email,
		CreatorID:   row.CreatorID,
		TargetID:    row.BundleID,
		Amount:      row.Amount,
		Currency:    row.Currency,
		Status:      status,
		CreatedAt:   row.CreatedAt,
		CompletedAt: completedAt,
	}, nil
}

// FindCompletedByBuyer returns the latest completed purchase of targetID by uid
func (s *Store) FindCompletedByBuyer(ctx context.Context, uid, targetID string) (*models.Purchase, error) {
	return s.findOne(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE buyer_uid = $1 AND target_id = $2 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, uid, targetID)
}

// FindCompletedByEmail returns the latest completed purchase of targetID by email,
// for anonymous reconciliation
func (s *Store) FindCompletedByEmail(ctx context.Context, email, targetID string) (*models.Purchase, error) {
	return s.findOne(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE lower(buyer_email) = $1 AND target_id = $2 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, models.NormalizeEmail(email), targetID)
}

// FindRecentCompleted returns a purchase of targetID completed since the given
// time by either the uid or the email
func (s *Store) FindRecentCompleted(ctx context.Context, uid, email, targetID string, since time.Time) (*models.Purchase, error) {
	return s.findOne(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE target_id = $1 AND status = 'completed' AND completed_at >= $2
		  AND ((buyer_uid IS NOT NULL AND buyer_uid = $3) OR ($4 <> '' AND lower(buyer_email) = $4))
		ORDER BY completed_at DESC LIMIT 1`, targetID, since, uid, models.NormalizeEmail(email))
}

func (s *Store) findOne(ctx context.Context, query string, args ...interface{}) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListBuyerPurchases reads a buyer's purchase history view
func (s *Store) ListBuyerPurchases(ctx context.Context, buyerKey string) ([]models.BuyerPurchase, error) {
	var rows []models.BuyerPurchase
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM buyer_purchases WHERE buyer_key = $1 ORDER BY created_at DESC", buyerKey)
	return rows, err
}

// RebuildViews re-projects the read-side views of one purchase from the canonical row
func (s *Store) RebuildViews(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var p models.Purchase
		err := tx.GetContext(ctx, &p,
			"SELECT "+purchaseColumns+" FROM purchases WHERE session_id = $1 FOR UPDATE", sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("purchase %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return projectViews(ctx, tx, &p)
	})
}

// MarkPurchaseFailed moves a pending purchase to failed. It returns nil when the
// purchase does not exist or is not pending.
func (s *Store) MarkPurchaseFailed(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var out *models.Purchase
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var p models.Purchase
		err := tx.GetContext(ctx, &p, `
			UPDATE purchases SET status = 'failed'
			WHERE session_id = $1 AND status = 'pending'
			RETURNING `+purchaseColumns, sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark purchase %s failed: %w", sessionID, err)
		}
		out = &p
		return projectViews(ctx, tx, &p)
	})
	return out, err
}
