package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/retry"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type publishedEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *publishedEvents) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *publishedEvents) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

var fastPolicy = retry.Policy{Retries: 2, Timeout: time.Second, Initial: time.Millisecond, Max: 2 * time.Millisecond}

type fixture struct {
	store    *store.MemoryStore
	clock    *fakeClock
	events   *publishedEvents
	tenantID uuid.UUID
	workerID uuid.UUID
}

func newFixture() *fixture {
	return &fixture{
		store:    store.NewMemoryStore(),
		clock:    &fakeClock{t: time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)},
		events:   &publishedEvents{},
		tenantID: uuid.New(),
		workerID: uuid.New(),
	}
}

func (f *fixture) controller(s store.TimeEntryStore) *attendance.Controller {
	if s == nil {
		s = f.store
	}
	return attendance.NewController(f.tenantID, f.workerID, s, attendance.Options{
		Policy:    fastPolicy,
		Now:       f.clock.Now,
		Publisher: f.events,
	})
}

func (f *fixture) rows(t *testing.T) []*models.TimeEntry {
	t.Helper()
	entries, err := f.store.ListTimeEntries(context.Background(), store.TimeEntryFilter{TenantID: f.tenantID, WorkerID: f.workerID})
	require.NoError(t, err)
	return entries
}

func TestClockIn(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()
	site := "Depot"

	e, err := c.ClockIn(ctx, &models.Location{Latitude: 51.5, Longitude: -0.1}, &site)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryActive, e.Status)
	assert.Equal(t, f.clock.Now(), e.ClockInTime)
	assert.Zero(t, e.TotalBreakMinutes)

	stored, err := f.store.GetTimeEntry(ctx, f.tenantID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryActive, stored.Status)

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, e.ID, cur.ID)
	assert.Equal(t, []string{models.EventClockedIn}, f.events.types())
}

func TestClockIn_AlreadyClockedIn_CreatesNoRow(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	_, err = c.ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyClockedIn)
	assert.Len(t, f.rows(t), 1)

	// Also rejected while on break.
	_, err = c.StartBreak(ctx)
	require.NoError(t, err)
	_, err = c.ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyClockedIn)
	assert.Len(t, f.rows(t), 1)
}

func TestClockIn_OpenEntryFromAnotherSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.controller(nil).ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	// A second device with an empty cache still sees the open entry in the store.
	_, err = f.controller(nil).ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyClockedIn)
	assert.Len(t, f.rows(t), 1)
}

// racingInsertStore lets another session clock in between the controller's
// check and its insert.
type racingInsertStore struct {
	*store.MemoryStore
	once   sync.Once
	before func()
}

func (s *racingInsertStore) InsertTimeEntry(ctx context.Context, e *models.TimeEntry) error {
	s.once.Do(s.before)
	return s.MemoryStore.InsertTimeEntry(ctx, e)
}

func TestClockIn_StoreConstraintMapsToAlreadyClockedIn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	other := f.controller(nil)

	racing := &racingInsertStore{MemoryStore: f.store}
	racing.before = func() {
		_, err := other.ClockIn(ctx, nil, nil)
		require.NoError(t, err)
	}
	c := f.controller(racing)

	_, err := c.ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyClockedIn)
	assert.ErrorIs(t, err, models.ErrConstraintViolation)
	assert.NotErrorIs(t, err, store.ErrDuplicateKey)
	assert.Len(t, f.rows(t), 1)

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cur, "the winner's entry is picked up")
}

// droppedReplyStore commits the first insert and the first update it sees,
// then reports the connection as lost instead of returning.
type droppedReplyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	inserts int
	updates int
}

var errConnReset = errors.New("read tcp 10.0.0.5:5432: connection reset by peer")

func (s *droppedReplyStore) InsertTimeEntry(ctx context.Context, e *models.TimeEntry) error {
	s.mu.Lock()
	s.inserts++
	first := s.inserts == 1
	s.mu.Unlock()

	err := s.MemoryStore.InsertTimeEntry(ctx, e)
	if first && err == nil {
		return errConnReset
	}
	return err
}

func (s *droppedReplyStore) UpdateTimeEntryIf(ctx context.Context, e *models.TimeEntry, expectedStatus string, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	s.updates++
	first := s.updates == 1
	s.mu.Unlock()

	rows, err := s.MemoryStore.UpdateTimeEntryIf(ctx, e, expectedStatus, expectedVersion)
	if first && err == nil {
		return 0, errConnReset
	}
	return rows, err
}

func TestClockIn_CommittedInsertWithLostReply(t *testing.T) {
	f := newFixture()
	ds := &droppedReplyStore{MemoryStore: f.store}
	c := f.controller(ds)
	ctx := context.Background()

	entry, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.inserts)

	stored := f.rows(t)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, entry.ID)
	assert.Equal(t, []string{models.EventClockedIn}, f.events.types())

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, entry.ID, cur.ID)
}

func TestStartBreak_CommittedUpdateWithLostReply(t *testing.T) {
	f := newFixture()
	ds := &droppedReplyStore{MemoryStore: f.store}
	c := f.controller(ds)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	got, err := c.StartBreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryOnBreak, got.Status)
	assert.Equal(t, 2, ds.updates)

	stored := f.rows(t)
	require.Len(t, stored, 1)
	assert.Equal(t, models.TimeEntryOnBreak, stored[0].Status)
	assert.Equal(t, stored[0].Version, got.Version)
	assert.Equal(t, []string{models.EventClockedIn, models.EventBreakStarted}, f.events.types())
}

func TestBreak_TenMinutes(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	onBreak, err := c.StartBreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryOnBreak, onBreak.Status)
	require.NotNil(t, onBreak.BreakStartTime)

	f.clock.Advance(10 * time.Minute)
	back, err := c.EndBreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, back.TotalBreakMinutes)
	assert.Equal(t, models.TimeEntryActive, back.Status)
	assert.Nil(t, back.BreakStartTime)

	stored, err := f.store.GetTimeEntry(ctx, f.tenantID, back.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.TotalBreakMinutes)
	assert.Equal(t, models.TimeEntryActive, stored.Status)
	assert.Equal(t, back.Version, stored.Version)
}

func TestBreak_Preconditions(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.StartBreak(ctx)
	assert.ErrorIs(t, err, models.ErrNotActive)
	_, err = c.EndBreak(ctx)
	assert.ErrorIs(t, err, models.ErrNotOnBreak)

	_, err = c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	_, err = c.EndBreak(ctx)
	assert.ErrorIs(t, err, models.ErrNotOnBreak)

	_, err = c.StartBreak(ctx)
	require.NoError(t, err)
	_, err = c.StartBreak(ctx)
	assert.ErrorIs(t, err, models.ErrNotActive)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestClockOut_WhileOnBreak(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	_, err = c.StartBreak(ctx)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Minute)

	notes := "rain"
	done, worked, err := c.ClockOut(ctx, &models.Location{Latitude: 1, Longitude: 1}, &notes)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryCompleted, done.Status)
	assert.Nil(t, done.BreakStartTime)
	assert.Equal(t, 25, done.TotalBreakMinutes)
	require.NotNil(t, done.ClockOutTime)
	assert.Equal(t, 3*60, worked)

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur, "current slot is cleared")

	stored, err := f.store.GetTimeEntry(ctx, f.tenantID, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryCompleted, stored.Status)
	assert.Nil(t, stored.BreakStartTime)

	assert.Equal(t, []string{
		models.EventClockedIn, models.EventBreakStarted, models.EventClockedOut,
	}, f.events.types())
}

func TestClockOut_NotClockedIn(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)

	_, _, err := c.ClockOut(context.Background(), nil, nil)
	assert.ErrorIs(t, err, models.ErrNotClockedIn)
	assert.Empty(t, f.rows(t))
}

func TestClockInAgainAfterClockOut(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, _, err = c.ClockOut(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	second, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	today, err := c.TodayEntries(ctx)
	require.NoError(t, err)
	require.Len(t, today, 2)
	assert.Equal(t, models.TimeEntryCompleted, today[0].Status)
	assert.Equal(t, second.ID, today[1].ID)
}

func TestTodayEntries_RollsOverAtMidnight(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, _, err = c.ClockOut(ctx, nil, nil)
	require.NoError(t, err)

	today, err := c.TodayEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, today, 1)

	f.clock.Advance(24 * time.Hour)
	today, err = c.TodayEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, today)
}

func TestTodayEntries_UsesTimezone(t *testing.T) {
	f := newFixture()
	tz := time.FixedZone("UTC-5", -5*60*60)
	// 03:00 UTC is still the previous day in UTC-5.
	f.clock.t = time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)
	c := attendance.NewController(f.tenantID, f.workerID, f.store, attendance.Options{
		Policy: fastPolicy, Now: f.clock.Now, Timezone: tz,
	})
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour) // 01:00 local, next day
	today, err := c.TodayEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, today)

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cur, "an entry opened yesterday is still current")
}

// otherDeviceStartsBreak puts the open entry on break directly in the store, as another session would.
func otherDeviceStartsBreak(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	open, err := f.store.ListTimeEntries(ctx, store.TimeEntryFilter{TenantID: f.tenantID, WorkerID: f.workerID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	next, err := attendance.StartBreak(open[0], f.clock.Now())
	require.NoError(t, err)
	rows, err := f.store.UpdateTimeEntryIf(ctx, next, open[0].Status, open[0].Version)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)
}

func TestConflict_RevalidatesAgainstFreshEntry(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	otherDeviceStartsBreak(t, f)

	// The cache still says active; the CAS fails, the refetch shows on_break
	// and starting another break is no longer legal.
	_, err = c.StartBreak(ctx)
	assert.ErrorIs(t, err, models.ErrNotActive)

	// Ending the break works against the refreshed cache.
	f.clock.Advance(5 * time.Minute)
	back, err := c.EndBreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, back.TotalBreakMinutes)
}

func TestConflict_ClockOutRetriesAfterConcurrentBreak(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	otherDeviceStartsBreak(t, f)
	f.clock.Advance(7 * time.Minute)

	done, _, err := c.ClockOut(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryCompleted, done.Status)
	assert.Equal(t, 7, done.TotalBreakMinutes, "the other device's break is folded in")
}

// losingStore never wins a compare-and-swap.
type losingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *losingStore) UpdateTimeEntryIf(context.Context, *models.TimeEntry, string, int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 0, nil
}

func TestConflict_ExhaustedRetries(t *testing.T) {
	f := newFixture()
	ls := &losingStore{MemoryStore: f.store}
	c := f.controller(ls)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	_, err = c.StartBreak(ctx)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, 4, ls.calls, "first attempt plus three retries")

	stored := f.rows(t)
	require.Len(t, stored, 1)
	assert.Equal(t, models.TimeEntryActive, stored[0].Status)
}

// flakyStore fails reads a fixed number of times before succeeding.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ListTimeEntries(ctx context.Context, f store.TimeEntryFilter) ([]*models.TimeEntry, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.ListTimeEntries(ctx, f)
}

func TestTransportErrors_RetriedThenSurfaced(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	recovering := &flakyStore{MemoryStore: f.store, failures: 2}
	_, err := f.controller(recovering).ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	down := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	_, err = f.controller(down).ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestCancelledContext_NoWrite(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ClockIn(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.rows(t))
}

func TestRefreshByID(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	_, err = c.TodayEntries(ctx)
	require.NoError(t, err)

	otherDeviceStartsBreak(t, f)
	open := f.rows(t)[0]

	require.NoError(t, c.RefreshByID(ctx, open.ID))
	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimeEntryOnBreak, cur.Status)

	// Other workers' entries are ignored.
	stranger := attendance.NewEntry(f.tenantID, uuid.New(), nil, nil, f.clock.Now())
	require.NoError(t, f.store.InsertTimeEntry(ctx, stranger))
	require.NoError(t, c.RefreshByID(ctx, stranger.ID))
	today, err := c.TodayEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, today, 1)

	// Unknown ids drop out of the cache.
	require.NoError(t, c.RefreshByID(ctx, uuid.New()))
}

func TestRefresh_ReplacesCache(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = f.controller(nil).ClockIn(ctx, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Refresh(ctx))
	cur, err = c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cur)
}

func TestRefresh_FailureKeepsCache(t *testing.T) {
	f := newFixture()
	fs := &flakyStore{MemoryStore: f.store}
	c := f.controller(fs)
	ctx := context.Background()

	_, err := c.ClockIn(ctx, nil, nil)
	require.NoError(t, err)
	_, err = c.CurrentEntry(ctx)
	require.NoError(t, err)

	fs.mu.Lock()
	fs.failures = 100
	fs.mu.Unlock()
	assert.Error(t, c.Refresh(ctx))

	fs.mu.Lock()
	fs.failures = 0
	fs.mu.Unlock()
	cur, err := c.CurrentEntry(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cur)
}
