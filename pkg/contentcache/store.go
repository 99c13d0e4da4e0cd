// Package contentcache manages the lifecycle of provider-side cached
// content for manuscripts: lookup with remote validation, guarded
// creation, rolling TTL refresh, and idempotent invalidation.
package contentcache

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/bearing-app/consistency-engine/pkg/models"
)

// Store persists cache entries. Implementations must scope every query by
// manuscript and account; cross-tenant reuse of a cache entry is never
// acceptable.
type Store interface {
	// FindValid returns the unexpired entry matching the content hash, or nil
	FindValid(ctx context.Context, manuscriptID, accountID, inputHash string, now time.Time) (*models.CacheEntry, error)
	// LatestCreation returns the most recent creation time for a manuscript
	LatestCreation(ctx context.Context, manuscriptID, accountID string) (time.Time, bool, error)
	// Insert persists a new entry
	Insert(ctx context.Context, entry *models.CacheEntry) error
	// UpdateExpiry moves an entry's local expiry forward
	UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	// ListByManuscript returns all entries for a manuscript, any expiry
	ListByManuscript(ctx context.Context, manuscriptID, accountID string) ([]models.CacheEntry, error)
	// Delete removes an entry by id
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteExpired removes entries whose expiry has lapsed
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresStore is the sqlx-backed Store over the manuscript_cache table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a Store on the given connection pool
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// FindValid implements Store.FindValid
func (s *PostgresStore) FindValid(ctx context.Context, manuscriptID, accountID, inputHash string, now time.Time) (*models.CacheEntry, error) {
	query := `SELECT id, cache_id, manuscript_id, account_id, input_hash, token_count, created_at, expires_at
		FROM manuscript_cache
		WHERE manuscript_id = $1 AND account_id = $2 AND input_hash = $3 AND expires_at > $4
		ORDER BY created_at DESC
		LIMIT 1`

	var entry models.CacheEntry
	err := s.db.GetContext(ctx, &entry, query, manuscriptID, accountID, inputHash, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query cache entry")
	}
	return &entry, nil
}

// LatestCreation implements Store.LatestCreation
func (s *PostgresStore) LatestCreation(ctx context.Context, manuscriptID, accountID string) (time.Time, bool, error) {
	query := `SELECT created_at FROM manuscript_cache
		WHERE manuscript_id = $1 AND account_id = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var createdAt time.Time
	err := s.db.GetContext(ctx, &createdAt, query, manuscriptID, accountID)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "failed to query latest cache creation")
	}
	return createdAt, true, nil
}

// Insert implements Store.Insert
func (s *PostgresStore) Insert(ctx context.Context, entry *models.CacheEntry) error {
	query := `INSERT INTO manuscript_cache (id, cache_id, manuscript_id, account_id, input_hash, token_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.CacheID, entry.ManuscriptID, entry.AccountID,
		entry.InputHash, entry.TokenCount, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert cache entry")
	}
	return nil
}

// UpdateExpiry implements Store.UpdateExpiry
func (s *PostgresStore) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	query := `UPDATE manuscript_cache SET expires_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, expiresAt)
	if err != nil {
		return errors.Wrap(err, "failed to update cache expiry")
	}
	return nil
}

// ListByManuscript implements Store.ListByManuscript
func (s *PostgresStore) ListByManuscript(ctx context.Context, manuscriptID, accountID string) ([]models.CacheEntry, error) {
	query := `SELECT id, cache_id, manuscript_id, account_id, input_hash, token_count, created_at, expires_at
		FROM manuscript_cache
		WHERE manuscript_id = $1 AND account_id = $2`

	var entries []models.CacheEntry
	err := s.db.SelectContext(ctx, &entries, query, manuscriptID, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}
	return entries, nil
}

// Delete implements Store.Delete
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM manuscript_cache WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete cache entry")
	}
	return nil
}

// DeleteExpired implements Store.DeleteExpired
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM manuscript_cache WHERE expires_at <= $1`
	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired cache entries")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}
