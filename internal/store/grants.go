package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetGrant returns the grant for buyerKey on targetID, or nil
func (s *Store) GetGrant(ctx context.Context, buyerKey, targetID string) (*models.AccessGrant, error) {
	var grant models.AccessGrant
	err := s.db.GetContext(ctx, &grant,
		"SELECT * FROM access_grants WHERE buyer_key = $1 AND target_id = $2", buyerKey, targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// CreateGrant inserts the grant and the buyer's library pointer together. When a
// grant already exists it is returned with created=false and the pointer is
// repaired if missing.
func (s *Store) CreateGrant(ctx context.Context, grant *models.AccessGrant, item *models.LibraryItem) (models.AccessGrant, bool, error) {
	var (
		out     models.AccessGrant
		created bool
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &out, `
			INSERT INTO access_grants (buyer_key, buyer_uid, buyer_email, target_id, creator_id, source_session_id, source_purchase_id, granted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (buyer_key, target_id) DO NOTHING
			RETURNING *`,
			grant.BuyerKey, grant.BuyerUID, grant.BuyerEmail, grant.TargetID, grant.CreatorID,
			grant.SourceSessionID, grant.SourcePurchaseID, grant.GrantedAt)

		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			if err := tx.GetContext(ctx, &out,
				"SELECT * FROM access_grants WHERE buyer_key = $1 AND target_id = $2",
				grant.BuyerKey, grant.TargetID); err != nil {
				return fmt.Errorf("read existing grant: %w", err)
			}
		default:
			return fmt.Errorf("insert grant: %w", err)
		}

		if item != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO library_items (buyer_key, target_id, creator_id, title, added_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (buyer_key, target_id) DO NOTHING`,
				item.BuyerKey, item.TargetID, item.CreatorID, item.Title, item.AddedAt); err != nil {
				return fmt.Errorf("insert library item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.AccessGrant{}, false, err
	}
	return out, created, nil
}

// ApplySlotCredit records the credit for credit.SessionID and increments the
// creator's quota in the same transaction. A second credit for the same session
// leaves the quota untouched and reports applied=false.
func (s *Store) ApplySlotCredit(ctx context.Context, credit *models.BundleSlotPurchase) (bool, int, error) {
	var (
		applied bool
		quota   int
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO slot_credits (session_id, creator_uid, tier, slots, applied_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id) DO NOTHING`,
			credit.SessionID, credit.CreatorUID, credit.Tier, credit.Slots, credit.AppliedAt)
		if err != nil {
			return fmt.Errorf("insert slot credit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			err := tx.GetContext(ctx, &quota,
				"SELECT COALESCE((SELECT bundle_slots FROM creator_quotas WHERE creator_uid = $1), 0)", credit.CreatorUID)
			return err
		}

		applied = true
		return tx.GetContext(ctx, &quota, `
			INSERT INTO creator_quotas (creator_uid, bundle_slots, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (creator_uid) DO UPDATE
			SET bundle_slots = creator_quotas.bundle_slots + EXCLUDED.bundle_slots, updated_at = NOW()
			RETURNING bundle_slots`,
			credit.CreatorUID, credit.Slots)
	})
	if err != nil {
		return false, 0, err
	}
	return applied, quota, nil
}

// GetQuota returns a creator's bundle-slot quota
func (s *Store) GetQuota(ctx context.Context, creatorUID string) (int, error) {
	var quota int
	err := s.db.GetContext(ctx, &quota,
		"SELECT COALESCE((SELECT bundle_slots FROM creator_quotas WHERE creator_uid = $1), 0)", creatorUID)
	return quota, err
}

// ClaimEmail re-homes every email-keyed grant and anonymous purchase of email to
// uid. An email already claimed by a different uid returns ErrConflict.
func (s *Store) ClaimEmail(ctx context.Context, email, uid string) (int, int, error) {
	email = models.NormalizeEmail(email)
	emailKey := "email:" + email
	uidKey := "uid:" + uid

	var grantsMoved, purchasesMoved int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var owner string
		err := tx.GetContext(ctx, &owner, `
			INSERT INTO email_claims (email, uid) VALUES ($1, $2)
			ON CONFLICT (email) DO UPDATE SET email = email_claims.email
			RETURNING uid`, email, uid)
		if err != nil {
			return fmt.Errorf("claim email: %w", err)
		}
		if owner != uid {
			return fmt.Errorf("email already claimed by another account: %w", ErrConflict)
		}

		var grants []models.AccessGrant
		if err := tx.SelectContext(ctx, &grants,
			"SELECT * FROM access_grants WHERE buyer_key = $1 FOR UPDATE", emailKey); err != nil {
			return fmt.Errorf("read email grants: %w", err)
		}
		for _, g := range grants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO access_grants (buyer_key, buyer_uid, buyer_email, target_id, creator_id, source_session_id, source_purchase_id, granted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (buyer_key, target_id) DO NOTHING`,
				uidKey, uid, g.BuyerEmail, g.TargetID, g.CreatorID, g.SourceSessionID, g.SourcePurchaseID, g.GrantedAt); err != nil {
				return fmt.Errorf("move grant %s: %w", g.TargetID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO library_items (buyer_key, target_id, creator_id, title, added_at)
				SELECT $1, target_id, creator_id, title, added_at FROM library_items
				WHERE buyer_key = $2 AND target_id = $3
				ON CONFLICT (buyer_key, target_id) DO NOTHING`, uidKey, emailKey, g.TargetID); err != nil {
				return fmt.Errorf("move library item %s: %w", g.TargetID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM library_items WHERE buyer_key = $1", emailKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM access_grants WHERE buyer_key = $1", emailKey); err != nil {
			return err
		}
		grantsMoved = len(grants)

		var claimed []models.Purchase
		if err := tx.SelectContext(ctx, &claimed, `
			UPDATE purchases SET buyer_uid = $1
			WHERE buyer_uid IS NULL AND lower(buyer_email) = $2
			RETURNING `+purchaseColumns, uid, email); err != nil {
			return fmt.Errorf("claim purchases: %w", err)
		}
		for i := range claimed {
			if err := projectViews(ctx, tx, &claimed[i]); err != nil {
				return err
			}
		}
		purchasesMoved = len(claimed)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return grantsMoved, purchasesMoved, nil
}
