package contentcache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/bearing-app/consistency-engine/pkg/models"
	"github.com/bearing-app/consistency-engine/pkg/observability"
	"github.com/bearing-app/consistency-engine/pkg/retry"
	"github.com/bearing-app/consistency-engine/pkg/vertex"
)

const (
	// DefaultTTL is the provider-side and local cache lifetime
	DefaultTTL = 1800 * time.Second
	// ThrashingGuard is the minimum interval between cache creations for
	// the same manuscript, regardless of hash change
	ThrashingGuard = 5 * time.Minute
	// MinCacheTokens is the creation floor; caching has fixed overhead not
	// worth paying below it
	MinCacheTokens = 33_000

	lockKeyPrefix = "cache_create_"
)

// RemoteCache is the provider-side cached-content surface the manager
// drives. *vertex.Client satisfies this.
type RemoteCache interface {
	CreateCachedContent(ctx context.Context, displayName, systemInstruction, content string, ttl time.Duration) (*vertex.CachedContent, error)
	GetCachedContent(ctx context.Context, name string) (*vertex.CachedContent, error)
	UpdateTTL(ctx context.Context, name string, ttl time.Duration) error
	DeleteCachedContent(ctx context.Context, name string) error
}

// Manager owns the cache lifecycle: absent → creating → active →
// expired/evicted/invalidated. Lookup is lock-free; creation serializes
// per manuscript on the injected Lock.
type Manager struct {
	store   Store
	lock    Lock
	remote  RemoteCache
	policy  retry.Policy
	logger  observability.Logger
	metrics observability.MetricsClient

	systemInstruction string
	ttl               time.Duration
	now               func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithTTL overrides the cache lifetime
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches a metrics client
func WithMetrics(metrics observability.MetricsClient) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a cache lifecycle manager. systemInstruction is baked
// into created caches and must match the instruction the orchestrator
// sends on cached generation calls.
func NewManager(store Store, lock Lock, remote RemoteCache, policy retry.Policy, systemInstruction string, logger observability.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	m := &Manager{
		store:             store,
		lock:              lock,
		remote:            remote,
		policy:            policy,
		logger:            logger.WithPrefix("contentcache"),
		metrics:           observability.NewNoopMetricsClient(),
		systemInstruction: systemInstruction,
		ttl:               DefaultTTL,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetCachedContent returns the valid cache entry for the manuscript's
// current content, or nil on a miss. Local existence is necessary but not
// sufficient: the provider may have evicted the resource, so a remote
// existence check confirms every hit. Remote validation failures degrade
// to a miss so analysis proceeds uncached rather than failing over a
// caching hiccup.
func (m *Manager) GetCachedContent(ctx context.Context, manuscriptID, accountID, inputHash string) (*models.CacheEntry, error) {
	start := m.now()
	entry, err := m.store.FindValid(ctx, manuscriptID, accountID, inputHash, start)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		m.metrics.RecordCacheOperation("lookup", false, time.Since(start).Seconds())
		return nil, nil
	}

	_, err = retry.Do(ctx, m.policy, "cache validation", func(ctx context.Context) (*vertex.CachedContent, error) {
		return m.remote.GetCachedContent(ctx, entry.CacheID)
	})
	if err != nil {
		if stderrors.Is(err, vertex.ErrNotFound) {
			// provider evicted the resource; lazy cleanup of the stale row
			m.logger.Info("cached content evicted remotely, removing local entry", map[string]interface{}{
				"manuscript_id": manuscriptID,
				"cache_id":      entry.CacheID,
			})
			if delErr := m.store.Delete(ctx, entry.ID); delErr != nil {
				m.logger.Warn("failed to delete stale cache entry", map[string]interface{}{
					"error": delErr.Error(),
				})
			}
			m.metrics.RecordCacheOperation("lookup", false, time.Since(start).Seconds())
			return nil, nil
		}
		// conservative: any other validation failure is a miss, never a
		// dangling reference handed to a generation call
		m.logger.Warn("remote cache validation failed, treating as miss", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"error":         err.Error(),
		})
		m.metrics.RecordCacheOperation("lookup", false, time.Since(start).Seconds())
		return nil, nil
	}

	m.refreshTTL(ctx, entry)
	m.metrics.RecordCacheOperation("lookup", true, time.Since(start).Seconds())
	return entry, nil
}

// refreshTTL extends the remote and local expiry on a validated hit.
// Failures are logged only; a hit that cannot be refreshed is still a hit.
func (m *Manager) refreshTTL(ctx context.Context, entry *models.CacheEntry) {
	if err := m.remote.UpdateTTL(ctx, entry.CacheID, m.ttl); err != nil {
		m.logger.Warn("failed to refresh remote cache TTL", map[string]interface{}{
			"cache_id": entry.CacheID,
			"error":    err.Error(),
		})
		return
	}
	newExpiry := m.now().Add(m.ttl)
	if err := m.store.UpdateExpiry(ctx, entry.ID, newExpiry); err != nil {
		m.logger.Warn("failed to update local cache expiry", map[string]interface{}{
			"cache_id": entry.CacheID,
			"error":    err.Error(),
		})
		return
	}
	entry.ExpiresAt = newExpiry
}

// CreateCachedContent creates a provider-side cache for the manuscript
// content and mirrors it locally. Returns nil (no error) when creation is
// skipped: content below the token floor, a creation within the thrashing
// guard window, or another process already creating.
func (m *Manager) CreateCachedContent(ctx context.Context, manuscriptID, accountID, content, inputHash string, tokenCount int) (*models.CacheCreation, error) {
	if tokenCount < MinCacheTokens {
		m.logger.Debug("content below cache token floor, skipping", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"token_count":   tokenCount,
		})
		return nil, nil
	}

	lastCreated, found, err := m.store.LatestCreation(ctx, manuscriptID, accountID)
	if err != nil {
		return nil, err
	}
	if found && m.now().Sub(lastCreated) < ThrashingGuard {
		m.logger.Debug("cache created recently, thrashing guard active", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"last_created":  lastCreated,
		})
		return nil, nil
	}

	lockKey := lockKeyPrefix + manuscriptID
	acquired, err := m.lock.TryAcquire(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	if !acquired {
		m.logger.Debug("cache creation already in progress elsewhere", map[string]interface{}{
			"manuscript_id": manuscriptID,
		})
		return nil, nil
	}
	defer func() {
		if err := m.lock.Release(ctx, lockKey); err != nil {
			m.logger.Warn("failed to release cache creation lock", map[string]interface{}{
				"lock_key": lockKey,
				"error":    err.Error(),
			})
		}
	}()

	// re-check under the lock: a concurrent creator may have finished
	// between the fast-path check and acquisition
	lastCreated, found, err = m.store.LatestCreation(ctx, manuscriptID, accountID)
	if err != nil {
		return nil, err
	}
	if found && m.now().Sub(lastCreated) < ThrashingGuard {
		m.logger.Debug("cache created while waiting for lock, thrashing guard active", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"last_created":  lastCreated,
		})
		return nil, nil
	}

	start := m.now()
	displayName := "manuscript-" + manuscriptID
	cached, err := retry.Do(ctx, m.policy, "cache creation", func(ctx context.Context) (*vertex.CachedContent, error) {
		return m.remote.CreateCachedContent(ctx, displayName, m.systemInstruction, content, m.ttl)
	})
	if err != nil {
		m.metrics.RecordCacheOperation("create", false, time.Since(start).Seconds())
		return nil, err
	}

	billedTokens := cached.UsageMetadata.TotalTokenCount
	if billedTokens == 0 {
		billedTokens = tokenCount
	}
	entry := &models.CacheEntry{
		ID:           uuid.New(),
		CacheID:      cached.Name,
		ManuscriptID: manuscriptID,
		AccountID:    accountID,
		InputHash:    inputHash,
		TokenCount:   billedTokens,
		CreatedAt:    m.now(),
		ExpiresAt:    m.now().Add(m.ttl),
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	m.metrics.RecordCacheOperation("create", true, time.Since(start).Seconds())
	m.logger.Info("cached content created", map[string]interface{}{
		"manuscript_id": manuscriptID,
		"cache_id":      cached.Name,
		"token_count":   billedTokens,
	})
	return &models.CacheCreation{CacheName: cached.Name, TokensUsed: billedTokens}, nil
}

// InvalidateCache removes every cache entry for a manuscript, remotely and
// locally. Remote "not found" counts as success; any other remote failure
// is logged and the local row is removed regardless, so local and remote
// state cannot diverge indefinitely. Invalidating a manuscript with no
// entries is a no-op.
func (m *Manager) InvalidateCache(ctx context.Context, manuscriptID, accountID string) error {
	entries, err := m.store.ListByManuscript(ctx, manuscriptID, accountID)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		err := m.policy.Execute(ctx, "cache deletion", func(ctx context.Context) error {
			return m.remote.DeleteCachedContent(ctx, entry.CacheID)
		})
		if err != nil && !stderrors.Is(err, vertex.ErrNotFound) {
			m.logger.Warn("failed to delete remote cached content", map[string]interface{}{
				"cache_id": entry.CacheID,
				"error":    err.Error(),
			})
		}
		if err := m.store.Delete(ctx, entry.ID); err != nil {
			m.logger.Warn("failed to delete local cache entry", map[string]interface{}{
				"cache_id": entry.CacheID,
				"error":    err.Error(),
			})
		}
	}

	if len(entries) > 0 {
		m.logger.Info("cache invalidated", map[string]interface{}{
			"manuscript_id": manuscriptID,
			"entries":       len(entries),
		})
	}
	return nil
}
