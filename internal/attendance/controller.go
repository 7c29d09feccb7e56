package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/events"
	"github.com/kiranshivaraju/fieldops/internal/metrics"
	"github.com/kiranshivaraju/fieldops/internal/retry"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

const (
	opClockIn    = "clock_in"
	opStartBreak = "start_break"
	opEndBreak   = "end_break"
	opClockOut   = "clock_out"
)

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	Policy          retry.Policy
	ConflictRetries int
	Timezone        *time.Location
	Now             func() time.Time
	Publisher       events.Publisher
	Metrics         metrics.Recorder
	Logger          *slog.Logger
}

// Controller applies clock-in, break and clock-out operations for one worker
// and owns that worker's time-entry cache: the open entry plus the entries
// clocked in today. The cache is only written after the store confirms a write.
type Controller struct {
	tenantID uuid.UUID
	workerID uuid.UUID
	store    store.TimeEntryStore

	policy          retry.Policy
	conflictRetries int
	tz              *time.Location
	now             func() time.Time
	pub             events.Publisher
	rec             metrics.Recorder
	logger          *slog.Logger

	mu      sync.Mutex
	loaded  bool
	day     time.Time
	current *models.TimeEntry
	today   map[uuid.UUID]*models.TimeEntry
}

// NewController creates a Controller bound to one (tenant, worker) pair.
func NewController(tenantID, workerID uuid.UUID, s store.TimeEntryStore, opts Options) *Controller {
	c := &Controller{
		tenantID:        tenantID,
		workerID:        workerID,
		store:           s,
		policy:          opts.Policy,
		conflictRetries: opts.ConflictRetries,
		tz:              opts.Timezone,
		now:             opts.Now,
		pub:             opts.Publisher,
		rec:             opts.Metrics,
		logger:          opts.Logger,
		today:           make(map[uuid.UUID]*models.TimeEntry),
	}
	if c.policy == (retry.Policy{}) {
		c.policy = retry.DefaultPolicy
	}
	if c.conflictRetries <= 0 {
		c.conflictRetries = 3
	}
	if c.tz == nil {
		c.tz = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.rec == nil {
		c.rec = metrics.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("tenant_id", tenantID, "worker_id", workerID)
	return c
}

func (c *Controller) TenantID() uuid.UUID { return c.tenantID }
func (c *Controller) WorkerID() uuid.UUID { return c.workerID }

// Now is the controller's clock in its configured timezone.
func (c *Controller) Now() time.Time { return c.now().In(c.tz) }

// stamp is Now at the precision the store keeps, so a written timestamp
// compares equal to the one read back.
func (c *Controller) stamp() time.Time { return c.Now().Truncate(time.Microsecond) }

// ClockIn opens a new entry. It fails with ErrAlreadyClockedIn when the cache
// or the store already holds an open entry for the worker.
func (c *Controller) ClockIn(ctx context.Context, loc *models.Location, jobSite *string) (*models.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := CheckClockIn(c.current); err != nil {
		c.rec.Attendance(opClockIn, metrics.OutcomeRejected)
		return nil, err
	}
	open, err := c.fetchOpen(ctx)
	if err != nil {
		c.rec.Attendance(opClockIn, metrics.OutcomeError)
		return nil, err
	}
	if err := CheckClockIn(open); err != nil {
		c.current = open
		c.rec.Attendance(opClockIn, metrics.OutcomeRejected)
		return nil, err
	}

	now := c.stamp()
	entry := NewEntry(c.tenantID, c.workerID, loc, jobSite, now)
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.store.InsertTimeEntry(ctx, entry)
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		open, ferr := c.fetchOpen(ctx)
		if ferr == nil && open != nil && open.ID == entry.ID {
			// The open entry is ours: an earlier send committed with the reply lost.
			c.logger.WarnContext(ctx, "clock-in confirmed after lost reply", "entry_id", entry.ID)
			return c.clockedIn(ctx, open), nil
		}
		// Lost the race against another session; pick up the winner's entry.
		if ferr == nil {
			c.current = open
		}
		c.rec.Attendance(opClockIn, metrics.OutcomeRejected)
		return nil, models.ErrAlreadyClockedIn
	}
	if err != nil {
		c.rec.Attendance(opClockIn, metrics.OutcomeError)
		return nil, fmt.Errorf("clock in: %w", err)
	}
	return c.clockedIn(ctx, entry), nil
}

func (c *Controller) clockedIn(ctx context.Context, entry *models.TimeEntry) *models.TimeEntry {
	c.current = entry.Clone()
	c.cacheToday(entry)
	c.rec.Attendance(opClockIn, metrics.OutcomeOK)
	c.logger.InfoContext(ctx, "clocked in", "entry_id", entry.ID)
	c.emit(ctx, models.EventClockedIn, entry.ID, entry.ClockInTime)
	return entry.Clone()
}

// StartBreak puts the open entry on break.
func (c *Controller) StartBreak(ctx context.Context) (*models.TimeEntry, error) {
	return c.apply(ctx, opStartBreak, models.EventBreakStarted, func(e *models.TimeEntry, now time.Time) (*models.TimeEntry, error) {
		return StartBreak(e, now)
	})
}

// EndBreak folds the running break into TotalBreakMinutes and resumes work.
func (c *Controller) EndBreak(ctx context.Context) (*models.TimeEntry, error) {
	return c.apply(ctx, opEndBreak, models.EventBreakEnded, EndBreak)
}

// ClockOut closes the open entry, ending a running break first, and reports
// the minutes worked on it.
func (c *Controller) ClockOut(ctx context.Context, loc *models.Location, notes *string) (*models.TimeEntry, int, error) {
	entry, err := c.apply(ctx, opClockOut, models.EventClockedOut, func(e *models.TimeEntry, now time.Time) (*models.TimeEntry, error) {
		return ClockOut(e, loc, notes, now)
	})
	if err != nil {
		return nil, 0, err
	}
	return entry, WorkedMinutes(entry, entry.UpdatedAt), nil
}

// CurrentEntry returns the worker's open entry, or nil when not clocked in.
func (c *Controller) CurrentEntry(ctx context.Context) (*models.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return c.current.Clone(), nil
}

// TodayEntries returns the entries clocked in today, oldest first. The cache
// is reloaded when the day has rolled over since the last load.
func (c *Controller) TodayEntries(ctx context.Context) ([]*models.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.TimeEntry, 0, len(c.today))
	for _, e := range c.today {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClockInTime.Before(out[j].ClockInTime) })
	return out, nil
}

// Refresh reloads the open entry and today's entries from the store. The cache
// is replaced only when both reads succeed.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reload(ctx)
}

// RefreshByID re-reads one entry and reconciles the cache with it. Entries of
// other workers are ignored.
func (c *Controller) RefreshByID(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return c.reload(ctx)
	}
	e, err := retry.Value(ctx, c.policy, func(ctx context.Context) (*models.TimeEntry, error) {
		return c.store.GetTimeEntry(ctx, c.tenantID, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		c.reconcile(id, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh time entry %s: %w", id, err)
	}
	c.reconcile(id, e)
	return nil
}

// Reconcile updates the cache from an entry already read from the store. A nil
// entry means the row is gone. Nothing happens before the cache first loads.
func (c *Controller) Reconcile(id uuid.UUID, e *models.TimeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		c.reconcile(id, e)
	}
}

func (c *Controller) reconcile(id uuid.UUID, e *models.TimeEntry) {
	if e == nil {
		delete(c.today, id)
		if c.current != nil && c.current.ID == id {
			c.current = nil
		}
		return
	}
	if e.WorkerID != c.workerID {
		return
	}

	switch {
	case e.IsOpen():
		c.current = e.Clone()
	case c.current != nil && c.current.ID == id:
		c.current = nil
	}
	if c.inDay(e.ClockInTime, c.day) {
		c.today[id] = e.Clone()
	} else {
		delete(c.today, id)
	}
}

// apply runs one compare-and-swap update of the open entry. A lost race
// refetches the entry and revalidates, up to conflictRetries times.
func (c *Controller) apply(ctx context.Context, op, eventType string, next func(*models.TimeEntry, time.Time) (*models.TimeEntry, error)) (*models.TimeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current
	if cur == nil {
		open, err := c.fetchOpen(ctx)
		if err != nil {
			c.rec.Attendance(op, metrics.OutcomeError)
			return nil, err
		}
		cur = open
	}

	for attempt := 0; ; attempt++ {
		now := c.stamp()
		updated, err := next(cur, now)
		if err != nil {
			c.rec.Attendance(op, metrics.OutcomeRejected)
			return nil, err
		}

		expectedStatus, expectedVersion := cur.Status, cur.Version
		sends := 0
		rows, err := retry.Value(ctx, c.policy, func(ctx context.Context) (int64, error) {
			sends++
			return c.store.UpdateTimeEntryIf(ctx, updated, expectedStatus, expectedVersion)
		})
		if err != nil {
			c.rec.Attendance(op, metrics.OutcomeError)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if rows == 1 {
			updated.Version = expectedVersion + 1
			return c.applied(ctx, op, eventType, updated), nil
		}

		// A resent write that matches nothing may have been beaten by its own
		// earlier send, committed with the reply lost.
		if sends > 1 {
			stored, err := retry.Value(ctx, c.policy, func(ctx context.Context) (*models.TimeEntry, error) {
				return c.store.GetTimeEntry(ctx, c.tenantID, updated.ID)
			})
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				c.rec.Attendance(op, metrics.OutcomeError)
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			if err == nil && stored.Version == expectedVersion+1 &&
				stored.Status == updated.Status && stored.UpdatedAt.Equal(updated.UpdatedAt) {
				c.logger.WarnContext(ctx, "attendance write confirmed after lost reply", "op", op, "entry_id", stored.ID)
				return c.applied(ctx, op, eventType, stored), nil
			}
		}

		if attempt >= c.conflictRetries {
			c.rec.Attendance(op, metrics.OutcomeConflict)
			c.logger.ErrorContext(ctx, "attendance update lost every retry", "op", op, "entry_id", cur.ID)
			return nil, models.ErrConcurrencyConflict
		}
		c.rec.ConflictRetry(models.TableTimeEntries)
		c.logger.WarnContext(ctx, "time entry changed concurrently, retrying", "op", op, "entry_id", cur.ID, "attempt", attempt+1)

		cur, err = c.fetchOpen(ctx)
		if err != nil {
			c.rec.Attendance(op, metrics.OutcomeError)
			return nil, err
		}
		c.current = cur.Clone()
	}
}

// applied records a confirmed update of an entry: cache, metrics, log, event.
func (c *Controller) applied(ctx context.Context, op, eventType string, e *models.TimeEntry) *models.TimeEntry {
	if e.IsOpen() {
		c.current = e.Clone()
	} else {
		c.current = nil
	}
	c.cacheToday(e)
	c.rec.Attendance(op, metrics.OutcomeOK)
	c.logger.InfoContext(ctx, "attendance updated", "op", op, "entry_id", e.ID, "status", e.Status)
	c.emit(ctx, eventType, e.ID, e.UpdatedAt)
	return e.Clone()
}

// fetchOpen reads the worker's open entry from the store, nil when none.
func (c *Controller) fetchOpen(ctx context.Context) (*models.TimeEntry, error) {
	entries, err := retry.Value(ctx, c.policy, func(ctx context.Context) ([]*models.TimeEntry, error) {
		return c.store.ListTimeEntries(ctx, store.TimeEntryFilter{
			TenantID: c.tenantID,
			WorkerID: c.workerID,
			OpenOnly: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch open time entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1], nil
}

func (c *Controller) ensureLoaded(ctx context.Context) error {
	if c.loaded && c.day.Equal(startOfDay(c.Now())) {
		return nil
	}
	return c.reload(ctx)
}

func (c *Controller) reload(ctx context.Context) error {
	day := startOfDay(c.Now())
	open, err := c.fetchOpen(ctx)
	if err != nil {
		return err
	}
	entries, err := retry.Value(ctx, c.policy, func(ctx context.Context) ([]*models.TimeEntry, error) {
		return c.store.ListTimeEntries(ctx, store.TimeEntryFilter{
			TenantID:        c.tenantID,
			WorkerID:        c.workerID,
			ClockedInSince:  day,
			ClockedInBefore: day.AddDate(0, 0, 1),
		})
	})
	if err != nil {
		return fmt.Errorf("load today's time entries: %w", err)
	}

	today := make(map[uuid.UUID]*models.TimeEntry, len(entries))
	for _, e := range entries {
		today[e.ID] = e
	}
	c.current = open
	c.today = today
	c.day = day
	c.loaded = true
	return nil
}

func (c *Controller) cacheToday(e *models.TimeEntry) {
	if c.loaded && c.inDay(e.ClockInTime, c.day) {
		c.today[e.ID] = e.Clone()
	}
}

func (c *Controller) inDay(t, day time.Time) bool {
	t = t.In(c.tz)
	return !t.Before(day) && t.Before(day.AddDate(0, 0, 1))
}

func (c *Controller) emit(ctx context.Context, eventType string, entryID uuid.UUID, at time.Time) {
	events.Emit(ctx, c.pub, c.logger, models.Event{
		Type:       eventType,
		TenantID:   c.tenantID,
		ActorID:    c.workerID,
		EntityID:   entryID,
		OccurredAt: at,
	})
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
