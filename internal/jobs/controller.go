// Package jobs applies validated, conflict-checked status transitions to a
// tenant's jobs and owns the tenant's job cache.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/events"
	"github.com/kiranshivaraju/fieldops/internal/metrics"
	"github.com/kiranshivaraju/fieldops/internal/retry"
	"github.com/kiranshivaraju/fieldops/internal/status"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/internal/summary"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	Policy          retry.Policy
	ConflictRetries int
	Now             func() time.Time
	Publisher       events.Publisher
	Metrics         metrics.Recorder
	Logger          *slog.Logger
}

// NewJob is the input to Create.
type NewJob struct {
	Title            string
	Status           string
	Priority         string
	ScheduledDate    time.Time
	ScheduledTime    string
	AssignedWorkerID *uuid.UUID
	EstimatedCost    float64
	LineItems        []models.LineItem
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Group            status.Group
	Status           string
	AssignedWorkerID *uuid.UUID
}

// Controller is bound to one tenant. Its cache is written only after the store
// confirms a write, or by a refresh that re-reads the store.
type Controller struct {
	tenantID uuid.UUID
	store    store.JobStore

	policy          retry.Policy
	conflictRetries int
	now             func() time.Time
	pub             events.Publisher
	rec             metrics.Recorder
	logger          *slog.Logger

	mu     sync.Mutex
	loaded bool
	cache  map[uuid.UUID]*models.Job
}

// NewController creates a Controller for tenantID.
func NewController(tenantID uuid.UUID, s store.JobStore, opts Options) *Controller {
	c := &Controller{
		tenantID:        tenantID,
		store:           s,
		policy:          opts.Policy,
		conflictRetries: opts.ConflictRetries,
		now:             opts.Now,
		pub:             opts.Publisher,
		rec:             opts.Metrics,
		logger:          opts.Logger,
		cache:           make(map[uuid.UUID]*models.Job),
	}
	if c.policy == (retry.Policy{}) {
		c.policy = retry.DefaultPolicy
	}
	if c.conflictRetries <= 0 {
		c.conflictRetries = 3
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
	c.logger = c.logger.With("tenant_id", tenantID)
	return c
}

func (c *Controller) TenantID() uuid.UUID { return c.tenantID }

// Transition moves a job to status to. The write is a compare-and-swap on the
// status read from the cache; when another actor got there first the job is
// refetched and the move revalidated, up to conflictRetries times.
func (c *Controller) Transition(ctx context.Context, actorID, jobID uuid.UUID, to string) (*models.Job, error) {
	if !status.Known(to) {
		c.rec.Transition("", to, metrics.OutcomeRejected)
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStatus, to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.cachedOrFetch(ctx, jobID)
	if err != nil {
		c.rec.Transition("", to, metrics.OutcomeError)
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		from := cur.Status
		if !status.IsLegal(from, to) {
			c.rec.Transition(from, to, metrics.OutcomeRejected)
			return nil, &models.InvalidTransitionError{From: from, To: to}
		}

		now := c.now().UTC().Truncate(time.Microsecond)
		upd := store.JobStatusUpdate{Status: to, UpdatedAt: now}
		if status.InGroup(to, status.GroupCompleted) {
			upd.CompletionDate = &now
		}
		sends := 0
		rows, err := retry.Value(ctx, c.policy, func(ctx context.Context) (int64, error) {
			sends++
			return c.store.UpdateJobStatusIf(ctx, c.tenantID, jobID, from, upd)
		})
		if err != nil {
			c.rec.Transition(from, to, metrics.OutcomeError)
			return nil, fmt.Errorf("transition job %s: %w", jobID, err)
		}
		if rows == 1 {
			next := cur.Clone()
			next.Status = to
			next.UpdatedAt = now
			next.CompletionDate = upd.CompletionDate
			next.Version++
			return c.transitioned(ctx, actorID, from, next), nil
		}

		// A resent write that matches nothing may have been beaten by its own
		// earlier send, committed with the reply lost.
		var stored *models.Job
		if sends > 1 {
			if stored, err = c.fetch(ctx, jobID); err != nil {
				c.rec.Transition(from, to, metrics.OutcomeError)
				return nil, err
			}
			if stored.Status == to && stored.Version > cur.Version && stored.UpdatedAt.Equal(now) {
				c.logger.WarnContext(ctx, "job status write confirmed after lost reply", "job_id", jobID, "from", from, "to", to)
				return c.transitioned(ctx, actorID, from, stored), nil
			}
		}

		if attempt >= c.conflictRetries {
			c.rec.Transition(from, to, metrics.OutcomeConflict)
			c.logger.ErrorContext(ctx, "job transition lost every retry", "job_id", jobID, "from", from, "to", to)
			return nil, fmt.Errorf("transition job %s to %s: %w", jobID, to, models.ErrConcurrencyConflict)
		}
		c.rec.ConflictRetry(models.TableJobs)
		c.logger.WarnContext(ctx, "job changed concurrently, retrying", "job_id", jobID, "from", from, "to", to, "attempt", attempt+1)

		if stored == nil {
			if stored, err = c.fetch(ctx, jobID); err != nil {
				c.rec.Transition(from, to, metrics.OutcomeError)
				return nil, err
			}
		}
		cur = stored
	}
}

// transitioned records a confirmed status write: cache, metrics, log, event.
func (c *Controller) transitioned(ctx context.Context, actorID uuid.UUID, from string, next *models.Job) *models.Job {
	c.cache[next.ID] = next
	c.rec.Transition(from, next.Status, metrics.OutcomeOK)
	c.logger.InfoContext(ctx, "job status changed", "job_id", next.ID, "from", from, "to", next.Status)
	events.Emit(ctx, c.pub, c.logger, models.Event{
		Type:       models.EventJobStatusChanged,
		TenantID:   c.tenantID,
		ActorID:    actorID,
		EntityID:   next.ID,
		From:       from,
		To:         next.Status,
		OccurredAt: next.UpdatedAt,
	})
	return next.Clone()
}

// AllowedTransitions lists the statuses the job can move to from where it is now.
func (c *Controller) AllowedTransitions(ctx context.Context, jobID uuid.UUID) (string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, err := c.cachedOrFetch(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	return j.Status, status.AllowedTransitions(j.Status), nil
}

// Create inserts a new job. Jobs start scheduled, or pending_approval when
// they need sign-off first.
func (c *Controller) Create(ctx context.Context, actorID uuid.UUID, in NewJob) (*models.Job, error) {
	j, err := c.build(in)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.store.CreateJob(ctx, j)
	}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c.cache[j.ID] = j.Clone()

	c.logger.InfoContext(ctx, "job created", "job_id", j.ID, "status", j.Status)
	events.Emit(ctx, c.pub, c.logger, models.Event{
		Type:       models.EventJobCreated,
		TenantID:   c.tenantID,
		ActorID:    actorID,
		EntityID:   j.ID,
		To:         j.Status,
		OccurredAt: j.CreatedAt,
	})
	return j.Clone(), nil
}

// Get returns one job, from the cache when present.
func (c *Controller) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, err := c.cachedOrFetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// Remove deletes a job outright, whatever its status.
func (c *Controller) Remove(ctx context.Context, actorID, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.store.DeleteJob(ctx, c.tenantID, jobID)
	})
	if errors.Is(err, store.ErrNotFound) {
		delete(c.cache, jobID)
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	delete(c.cache, jobID)

	c.logger.InfoContext(ctx, "job removed", "job_id", jobID)
	events.Emit(ctx, c.pub, c.logger, models.Event{
		Type:       models.EventJobRemoved,
		TenantID:   c.tenantID,
		ActorID:    actorID,
		EntityID:   jobID,
		OccurredAt: c.now().UTC(),
	})
	return nil
}

// List returns cached jobs matching f, ordered by schedule.
func (c *Controller) List(ctx context.Context, f Filter) ([]*models.Job, error) {
	if f.Group != "" && !status.ValidGroup(f.Group) {
		return nil, fmt.Errorf("%w: unknown status group %q", models.ErrValidation, f.Group)
	}
	if f.Status != "" && !status.Known(f.Status) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStatus, f.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	var out []*models.Job
	for _, j := range c.cache {
		if f.Group != "" && !status.InGroup(j.Status, f.Group) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.AssignedWorkerID != nil && (j.AssignedWorkerID == nil || *j.AssignedWorkerID != *f.AssignedWorkerID) {
			continue
		}
		out = append(out, j.Clone())
	}
	sortJobs(out)
	return out, nil
}

// Summary computes the dashboard figures over the cached jobs.
func (c *Controller) Summary(ctx context.Context) (summary.JobSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx); err != nil {
		return summary.JobSummary{}, err
	}
	snapshot := make([]*models.Job, 0, len(c.cache))
	for _, j := range c.cache {
		snapshot = append(snapshot, j)
	}
	return summary.Jobs(snapshot), nil
}

// Refresh replaces the cache with the tenant's jobs as stored now. A failed
// read leaves the cache untouched.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reload(ctx)
}

// RefreshByID re-reads one job; a job that no longer exists leaves the cache.
func (c *Controller) RefreshByID(ctx context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.fetch(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Controller) build(in NewJob) (*models.Job, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	st := in.Status
	if st == "" {
		st = models.JobStatusScheduled
	}
	if st != models.JobStatusScheduled && st != models.JobStatusPendingApproval {
		return nil, fmt.Errorf("%w: new jobs start as %s or %s, not %q",
			models.ErrValidation, models.JobStatusScheduled, models.JobStatusPendingApproval, st)
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !models.ValidPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", models.ErrValidation, priority)
	}
	if in.EstimatedCost < 0 {
		return nil, fmt.Errorf("%w: estimated cost must not be negative", models.ErrValidation)
	}
	if in.ScheduledDate.IsZero() {
		return nil, fmt.Errorf("%w: scheduled date is required", models.ErrValidation)
	}

	items := make([]models.LineItem, len(in.LineItems))
	for i, li := range in.LineItems {
		if li.Quantity < 0 || li.UnitPrice < 0 || li.UnitCost < 0 {
			return nil, fmt.Errorf("%w: line item %d has a negative amount", models.ErrValidation, i+1)
		}
		if li.Total == 0 {
			li.Total = li.Quantity * li.UnitPrice
		}
		items[i] = li
	}

	now := c.now().UTC()
	j := &models.Job{
		ID:            uuid.New(),
		TenantID:      c.tenantID,
		Title:         title,
		Status:        st,
		Priority:      priority,
		ScheduledDate: in.ScheduledDate,
		ScheduledTime: in.ScheduledTime,
		EstimatedCost: in.EstimatedCost,
		LineItems:     items,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.AssignedWorkerID != nil {
		id := *in.AssignedWorkerID
		j.AssignedWorkerID = &id
	}
	return j, nil
}

func (c *Controller) cachedOrFetch(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	if j, ok := c.cache[jobID]; ok {
		return j, nil
	}
	return c.fetch(ctx, jobID)
}

// fetch reads a job from the store into the cache.
func (c *Controller) fetch(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := retry.Value(ctx, c.policy, func(ctx context.Context) (*models.Job, error) {
		return c.store.GetJob(ctx, c.tenantID, jobID)
	})
	if errors.Is(err, store.ErrNotFound) {
		delete(c.cache, jobID)
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	c.cache[jobID] = j
	return j, nil
}

func (c *Controller) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	return c.reload(ctx)
}

func (c *Controller) reload(ctx context.Context) error {
	list, err := retry.Value(ctx, c.policy, func(ctx context.Context) ([]*models.Job, error) {
		return c.store.ListJobs(ctx, store.JobFilter{TenantID: c.tenantID})
	})
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	fresh := make(map[uuid.UUID]*models.Job, len(list))
	for _, j := range list {
		fresh[j.ID] = j
	}
	c.cache = fresh
	c.loaded = true
	return nil
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledDate.Equal(jobs[b].ScheduledDate) {
			return jobs[a].ScheduledDate.Before(jobs[b].ScheduledDate)
		}
		if jobs[a].ScheduledTime != jobs[b].ScheduledTime {
			return jobs[a].ScheduledTime < jobs[b].ScheduledTime
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
