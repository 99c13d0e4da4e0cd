package contentcache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearing-app/consistency-engine/pkg/errors"
	"github.com/bearing-app/consistency-engine/pkg/models"
	"github.com/bearing-app/consistency-engine/pkg/retry"
	"github.com/bearing-app/consistency-engine/pkg/vertex"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.CacheEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[uuid.UUID]*models.CacheEntry)}
}

func (s *fakeStore) FindValid(ctx context.Context, manuscriptID, accountID, inputHash string, now time.Time) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ManuscriptID == manuscriptID && e.AccountID == accountID && e.InputHash == inputHash && e.ExpiresAt.After(now) {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) LatestCreation(ctx context.Context, manuscriptID, accountID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, e := range s.entries {
		if e.ManuscriptID == manuscriptID && e.AccountID == accountID && e.CreatedAt.After(latest) {
			latest = e.CreatedAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *fakeStore) Insert(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.ExpiresAt = expiresAt
	}
	return nil
}

func (s *fakeStore) ListByManuscript(ctx context.Context, manuscriptID, accountID string) ([]models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CacheEntry
	for _, e := range s.entries {
		if e.ManuscriptID == manuscriptID && e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *fakeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeRemote struct {
	mu sync.Mutex

	createCalls int
	getCalls    int
	ttlCalls    int
	deleteCalls int

	createErr error
	getErr    error
	ttlErr    error
	deleteErr error

	createdTokens int
}

func (r *fakeRemote) CreateCachedContent(ctx context.Context, displayName, systemInstruction, content string, ttl time.Duration) (*vertex.CachedContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return nil, r.createErr
	}
	cached := &vertex.CachedContent{Name: "cachedContents/" + displayName}
	cached.UsageMetadata.TotalTokenCount = r.createdTokens
	return cached, nil
}

func (r *fakeRemote) GetCachedContent(ctx context.Context, name string) (*vertex.CachedContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.getErr != nil {
		return nil, r.getErr
	}
	return &vertex.CachedContent{Name: name}, nil
}

func (r *fakeRemote) UpdateTTL(ctx context.Context, name string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttlCalls++
	return r.ttlErr
}

func (r *fakeRemote) DeleteCachedContent(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	return r.deleteErr
}

func testPolicy() retry.Policy {
	return retry.NewExponentialBackoff(retry.Config{BaseDelay: time.Millisecond}, nil)
}

func newTestManager(store Store, remote RemoteCache, opts ...ManagerOption) *Manager {
	return NewManager(store, NewMemoryLock(), remote, testPolicy(), "system instruction", nil, opts...)
}

func seedEntry(t *testing.T, store Store, manuscriptID, accountID, hash string, createdAt, expiresAt time.Time) *models.CacheEntry {
	t.Helper()
	entry := &models.CacheEntry{
		ID:           uuid.New(),
		CacheID:      "cachedContents/seeded-" + manuscriptID,
		ManuscriptID: manuscriptID,
		AccountID:    accountID,
		InputHash:    hash,
		TokenCount:   40_000,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
	require.NoError(t, store.Insert(context.Background(), entry))
	return entry
}

func TestGetCachedContent_Miss(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(store, remote)

	entry, err := m.GetCachedContent(context.Background(), "m1", "a1", "hash")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 0, remote.getCalls)
}

func TestGetCachedContent_ValidatedHitRefreshesTTL(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	now := time.Now()
	m := newTestManager(store, remote)

	seeded := seedEntry(t, store, "m1", "a1", "hash", now.Add(-time.Minute), now.Add(time.Minute))

	entry, err := m.GetCachedContent(context.Background(), "m1", "a1", "hash")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, seeded.CacheID, entry.CacheID)
	assert.Equal(t, 1, remote.getCalls)
	assert.Equal(t, 1, remote.ttlCalls)
	// rolling TTL: expiry moved forward locally
	assert.True(t, entry.ExpiresAt.After(now.Add(time.Minute)))
}

func TestGetCachedContent_RemoteEvictionCleansLocalRow(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{getErr: vertex.ErrNotFound}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	entry, err := m.GetCachedContent(context.Background(), "m1", "a1", "hash")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 0, store.count(), "stale local row should be deleted")
}

func TestGetCachedContent_ValidationErrorIsMiss(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{getErr: errors.New(403, errors.CodePermissionDenied, "forbidden", false)}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	entry, err := m.GetCachedContent(context.Background(), "m1", "a1", "hash")
	require.NoError(t, err)
	assert.Nil(t, entry)
	// conservative miss keeps the local row for a later attempt
	assert.Equal(t, 1, store.count())
}

func TestGetCachedContent_TTLRefreshFailureNonFatal(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{ttlErr: errors.New(503, errors.CodeServiceUnavailable, "down", true)}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	entry, err := m.GetCachedContent(context.Background(), "m1", "a1", "hash")
	require.NoError(t, err)
	require.NotNil(t, entry, "refresh failure must not turn a hit into a miss")
}

func TestGetCachedContent_TenantScoping(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	entry, err := m.GetCachedContent(context.Background(), "m1", "other-account", "hash")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCreateCachedContent_BelowTokenFloor(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(store, remote)

	creation, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash", MinCacheTokens-1)
	require.NoError(t, err)
	assert.Nil(t, creation)
	assert.Equal(t, 0, remote.createCalls)
}

func TestCreateCachedContent_Succeeds(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createdTokens: 41_000}
	m := newTestManager(store, remote)

	creation, err := m.CreateCachedContent(context.Background(), "m1", "a1", strings.Repeat("a", 100), "hash", 40_000)
	require.NoError(t, err)
	require.NotNil(t, creation)
	assert.Equal(t, "cachedContents/manuscript-m1", creation.CacheName)
	assert.Equal(t, 41_000, creation.TokensUsed)
	assert.Equal(t, 1, store.count())
}

func TestCreateCachedContent_ThrashingGuard(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createdTokens: 40_000}
	m := newTestManager(store, remote)

	first, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash-v1", 40_000)
	require.NoError(t, err)
	require.NotNil(t, first)

	// second attempt within the guard window, even with a new hash
	second, err := m.CreateCachedContent(context.Background(), "m1", "a1", "edited content", "hash-v2", 40_000)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, remote.createCalls)
}

func TestCreateCachedContent_GuardExpiresWithTime(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createdTokens: 40_000}

	current := time.Now()
	m := newTestManager(store, remote, WithClock(func() time.Time { return current }))

	first, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash-v1", 40_000)
	require.NoError(t, err)
	require.NotNil(t, first)

	current = current.Add(ThrashingGuard + time.Second)
	second, err := m.CreateCachedContent(context.Background(), "m1", "a1", "edited", "hash-v2", 40_000)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, remote.createCalls)
}

// completingLock simulates a concurrent creator that finishes between
// this caller's fast-path guard check and its lock acquisition.
type completingLock struct {
	inner Lock
	store *fakeStore
}

func (l *completingLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	held, err := l.inner.TryAcquire(ctx, key)
	if err != nil || !held {
		return held, err
	}
	entry := &models.CacheEntry{
		ID:           uuid.New(),
		CacheID:      "cachedContents/concurrent",
		ManuscriptID: "m1",
		AccountID:    "a1",
		InputHash:    "hash-v1",
		TokenCount:   40_000,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(DefaultTTL),
	}
	_ = l.store.Insert(ctx, entry)
	return true, nil
}

func (l *completingLock) Release(ctx context.Context, key string) error {
	return l.inner.Release(ctx, key)
}

func TestCreateCachedContent_GuardRecheckedUnderLock(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createdTokens: 40_000}
	lock := &completingLock{inner: NewMemoryLock(), store: store}
	m := NewManager(store, lock, remote, testPolicy(), "system instruction", nil)

	// the fast-path check sees no prior creation, but by the time the
	// lock is held another creation has landed inside the guard window
	creation, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash-v2", 40_000)
	require.NoError(t, err)
	assert.Nil(t, creation)
	assert.Equal(t, 0, remote.createCalls)
	assert.Equal(t, 1, store.count())
}

func TestCreateCachedContent_LockContention(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createdTokens: 40_000}
	lock := NewMemoryLock()
	m := NewManager(store, lock, remote, testPolicy(), "instruction", nil)

	// simulate another process holding the creation lock
	held, err := lock.TryAcquire(context.Background(), "cache_create_m1")
	require.NoError(t, err)
	require.True(t, held)

	creation, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash", 40_000)
	require.NoError(t, err)
	assert.Nil(t, creation)
	assert.Equal(t, 0, remote.createCalls)

	// a different manuscript never contends
	creation, err = m.CreateCachedContent(context.Background(), "m2", "a1", "content", "hash", 40_000)
	require.NoError(t, err)
	assert.NotNil(t, creation)
}

func TestCreateCachedContent_LockReleasedOnFailure(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{createErr: errors.New(400, errors.CodeInvalidRequest, "bad", false)}
	lock := NewMemoryLock()
	m := NewManager(store, lock, remote, testPolicy(), "instruction", nil)

	_, err := m.CreateCachedContent(context.Background(), "m1", "a1", "content", "hash", 40_000)
	require.Error(t, err)

	// lock must be free again after the failed creation
	held, err := lock.TryAcquire(context.Background(), "cache_create_m1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestInvalidateCache_NoEntriesIsNoop(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(store, remote)

	err := m.InvalidateCache(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, remote.deleteCalls)
}

func TestInvalidateCache_DeletesRemoteAndLocal(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash-v1", now.Add(-time.Hour), now.Add(-time.Minute))
	seedEntry(t, store, "m1", "a1", "hash-v2", now, now.Add(time.Minute))

	err := m.InvalidateCache(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, remote.deleteCalls)
	assert.Equal(t, 0, store.count())
}

func TestInvalidateCache_RemoteNotFoundIsSuccess(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{deleteErr: vertex.ErrNotFound}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	err := m.InvalidateCache(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, store.count())
}

func TestInvalidateCache_LocalDeletedDespiteRemoteFailure(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{deleteErr: errors.New(403, errors.CodePermissionDenied, "forbidden", false)}
	now := time.Now()
	m := newTestManager(store, remote)

	seedEntry(t, store, "m1", "a1", "hash", now, now.Add(time.Minute))

	err := m.InvalidateCache(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, store.count(), "local row removed even when remote deletion fails")
}
