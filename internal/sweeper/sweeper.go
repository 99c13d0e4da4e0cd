// Package sweeper periodically removes expired cache rows. Lookup already
// filters expired entries; the sweep keeps the table from growing
// unbounded under long uptimes.
package sweeper

import (
	"context"
	"time"

	"github.com/bearing-app/consistency-engine/pkg/contentcache"
	"github.com/bearing-app/consistency-engine/pkg/observability"
)

// DefaultInterval is how often the sweep runs
const DefaultInterval = 15 * time.Minute

// Sweeper deletes expired cache rows on an interval
type Sweeper struct {
	store    contentcache.Store
	interval time.Duration
	logger   observability.Logger
}

// New creates a Sweeper
func New(store contentcache.Store, interval time.Duration, logger observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.WithPrefix("sweeper"),
	}
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes rows whose expiry has lapsed. Failures are logged;
// the next tick tries again.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Warn("sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		s.logger.Info("swept expired cache entries", map[string]interface{}{"deleted": n})
	}
}
