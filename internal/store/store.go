package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would contradict an existing row
	ErrConflict = errors.New("conflict")
)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetTarget retrieves a purchasable target by id
func (s *Store) GetTarget(ctx context.Context, targetID string) (*models.Target, error) {
	var target models.Target
	err := s.db.GetContext(ctx, &target, "SELECT * FROM targets WHERE target_id = $1", targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// UpsertTarget writes the catalog view of a target
func (s *Store) UpsertTarget(ctx context.Context, target *models.Target) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (target_id, kind, creator_id, title, published, price, currency, item_count, connected_account_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (target_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			creator_id = EXCLUDED.creator_id,
			title = EXCLUDED.title,
			published = EXCLUDED.published,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			item_count = EXCLUDED.item_count,
			connected_account_id = EXCLUDED.connected_account_id,
			updated_at = NOW()`,
		target.ID, target.Kind, target.CreatorID, target.Title, target.Published,
		target.Price, target.Currency, target.ItemCount, target.ConnectedAccountID)
	return err
}
