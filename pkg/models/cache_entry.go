// Package models defines the shared types of the consistency engine.
package models

import (
	"time"

	"github.com/google/uuid"
)

// CacheEntry mirrors a provider-side cached-content resource in the local
// store. Every lookup filters on ManuscriptID and AccountID so one tenant's
// cache can never serve another's request.
type CacheEntry struct {
	ID           uuid.UUID `db:"id" json:"id"`
	CacheID      string    `db:"cache_id" json:"cache_id"`
	ManuscriptID string    `db:"manuscript_id" json:"manuscript_id"`
	AccountID    string    `db:"account_id" json:"account_id"`
	InputHash    string    `db:"input_hash" json:"input_hash"`
	TokenCount   int       `db:"token_count" json:"token_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the entry's local TTL has lapsed
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheCreation is the result of a successful cached-content creation
type CacheCreation struct {
	CacheName  string `json:"cache_name"`
	TokensUsed int    `json:"tokens_used"`
}
