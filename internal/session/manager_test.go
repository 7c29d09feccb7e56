package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/config"
	"github.com/kiranshivaraju/fieldops/internal/feed"
	"github.com/kiranshivaraju/fieldops/internal/session"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var syncCfg = config.SyncConfig{
	StoreTimeout:     time.Second,
	ConflictRetries:  3,
	TransportRetries: 1,
	BackoffInitial:   5 * time.Millisecond,
	BackoffMax:       20 * time.Millisecond,
	Timezone:         time.UTC,
}

func newManager(t *testing.T) (*session.Manager, *store.MemoryStore, *feed.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	router := feed.NewRouter(ms, feed.Options{BackoffInitial: syncCfg.BackoffInitial, BackoffMax: syncCfg.BackoffMax})
	t.Cleanup(router.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return session.NewManager(ctx, session.Deps{Store: ms, Router: router}, syncCfg), ms, router
}

func TestJobs_OnePerTenant(t *testing.T) {
	m, _, router := newManager(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	a1, err := m.Jobs(tenantA)
	require.NoError(t, err)
	a2, err := m.Jobs(tenantA)
	require.NoError(t, err)
	b, err := m.Jobs(tenantB)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, tenantB, b.TenantID())
	assert.Equal(t, 2, router.Routes())
}

func TestAttendance_OnePerWorker(t *testing.T) {
	m, _, router := newManager(t)
	tenantID := uuid.New()
	w1, w2 := uuid.New(), uuid.New()

	c1, err := m.Attendance(tenantID, w1)
	require.NoError(t, err)
	again, err := m.Attendance(tenantID, w1)
	require.NoError(t, err)
	c2, err := m.Attendance(tenantID, w2)
	require.NoError(t, err)

	assert.Same(t, c1, again)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, w2, c2.WorkerID())

	jobs, att := m.Counts()
	assert.Equal(t, 0, jobs)
	assert.Equal(t, 2, att)
	assert.Equal(t, 1, router.Routes(), "workers of a tenant share one time_entries route")
}

// countingStore counts single-entry reads.
type countingStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	gets int
}

func (s *countingStore) GetTimeEntry(ctx context.Context, tenantID, id uuid.UUID) (*models.TimeEntry, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.GetTimeEntry(ctx, tenantID, id)
}

func (s *countingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func TestAttendance_ChangeReachesOnlyItsWorker(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &countingStore{MemoryStore: ms}
	router := feed.NewRouter(ms, feed.Options{BackoffInitial: syncCfg.BackoffInitial, BackoffMax: syncCfg.BackoffMax})
	t.Cleanup(router.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := session.NewManager(ctx, session.Deps{Store: cs, Router: router}, syncCfg)

	tenantID := uuid.New()
	w1, w2, w3 := uuid.New(), uuid.New(), uuid.New()
	c1, err := m.Attendance(tenantID, w1)
	require.NoError(t, err)
	c2, err := m.Attendance(tenantID, w2)
	require.NoError(t, err)
	_, err = m.Attendance(tenantID, w3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ms.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = c1.CurrentEntry(ctx)
	require.NoError(t, err)
	_, err = c2.CurrentEntry(ctx)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, ms.InsertTimeEntry(ctx, &models.TimeEntry{
		ID: uuid.New(), TenantID: tenantID, WorkerID: w1,
		ClockInTime: now, Status: models.TimeEntryActive, CreatedAt: now, UpdatedAt: now,
	}))

	require.Eventually(t, func() bool {
		cur, err := c1.CurrentEntry(ctx)
		return err == nil && cur != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cs.getCount(), "the changed row is read once for the whole tenant")

	cur, err := c2.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestAttendance_IdleWorkersAreEvicted(t *testing.T) {
	ms := store.NewMemoryStore()
	router := feed.NewRouter(ms, feed.Options{BackoffInitial: syncCfg.BackoffInitial, BackoffMax: syncCfg.BackoffMax})
	t.Cleanup(router.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := &manualClock{t: time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)}
	cfg := syncCfg
	cfg.WorkerIdle = 24 * time.Hour
	m := session.NewManager(ctx, session.Deps{Store: ms, Router: router, Now: clock.Now}, cfg)

	tenantID := uuid.New()
	idle, busy := uuid.New(), uuid.New()
	first, err := m.Attendance(tenantID, idle)
	require.NoError(t, err)
	_, err = m.Attendance(tenantID, busy)
	require.NoError(t, err)

	clock.Advance(20 * time.Hour)
	_, err = m.Attendance(tenantID, busy)
	require.NoError(t, err)

	clock.Advance(6 * time.Hour)
	_, err = m.Attendance(tenantID, busy)
	require.NoError(t, err)

	_, att := m.Counts()
	assert.Equal(t, 1, att)
	assert.Equal(t, 1, router.Routes(), "the tenant route outlives its workers")

	again, err := m.Attendance(tenantID, idle)
	require.NoError(t, err)
	assert.NotSame(t, first, again)
}

func TestAttendance_CacheFollowsOtherSessions(t *testing.T) {
	m, ms, _ := newManager(t)
	tenantID, workerID := uuid.New(), uuid.New()
	ctx := context.Background()

	c, err := m.Attendance(tenantID, workerID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ms.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	require.Nil(t, cur)

	// Clock-in from a device served by another process.
	now := time.Now().UTC()
	require.NoError(t, ms.InsertTimeEntry(ctx, &models.TimeEntry{
		ID: uuid.New(), TenantID: tenantID, WorkerID: workerID,
		ClockInTime: now, Status: models.TimeEntryActive, CreatedAt: now, UpdatedAt: now,
	}))

	assert.Eventually(t, func() bool {
		cur, err := c.CurrentEntry(ctx)
		return err == nil && cur != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouterClosed(t *testing.T) {
	m, _, router := newManager(t)
	router.Close()

	_, err := m.Jobs(uuid.New())
	assert.Error(t, err)
	jobs, _ := m.Counts()
	assert.Zero(t, jobs)
}

func TestPolicy(t *testing.T) {
	p := session.Policy(syncCfg)
	assert.Equal(t, time.Second, p.Timeout)
	assert.Equal(t, 1, p.Retries)
}
