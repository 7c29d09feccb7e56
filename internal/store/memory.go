package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// MemoryStore is an in-process Store with the same compare-and-swap, uniqueness
// and notification semantics as PostgresStore. Reads return copies.
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[uuid.UUID]*models.Tenant
	apiKeys     map[uuid.UUID]*models.APIKey
	jobs        map[uuid.UUID]*models.Job
	timeEntries map[uuid.UUID]*models.TimeEntry

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[uuid.UUID]*models.Tenant),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
		jobs:        make(map[uuid.UUID]*models.Job),
		timeEntries: make(map[uuid.UUID]*models.TimeEntry),
		subs:        make(map[*subscription]struct{}),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// --- Tenants ---

func (s *MemoryStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrDuplicateKey
	}
	c := *t
	s.tenants[t.ID] = &c
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateKey
	}
	if job.Version == 0 {
		job.Version = 1
	}
	s.jobs[job.ID] = job.Clone()
	s.mu.Unlock()

	s.publish(models.Change{Operation: models.ChangeInsert, Table: models.TableJobs, TenantID: job.TenantID, ID: job.ID})
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	statuses := make(map[string]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	s.mu.RLock()
	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.TenantID != filter.TenantID {
			continue
		}
		if len(statuses) > 0 && !statuses[j.Status] {
			continue
		}
		if filter.AssignedWorkerID != nil && (j.AssignedWorkerID == nil || *j.AssignedWorkerID != *filter.AssignedWorkerID) {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledDate.Equal(jobs[b].ScheduledDate) {
			return jobs[a].ScheduledDate.Before(jobs[b].ScheduledDate)
		}
		if jobs[a].ScheduledTime != jobs[b].ScheduledTime {
			return jobs[a].ScheduledTime < jobs[b].ScheduledTime
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatusIf(ctx context.Context, tenantID, id uuid.UUID, expected string, upd JobStatusUpdate) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != expected {
		s.mu.Unlock()
		return 0, nil
	}
	j.Status = upd.Status
	j.CompletionDate = nil
	if upd.CompletionDate != nil {
		t := *upd.CompletionDate
		j.CompletionDate = &t
	}
	j.UpdatedAt = upd.UpdatedAt
	j.Version++
	s.mu.Unlock()

	s.publish(models.Change{Operation: models.ChangeUpdate, Table: models.TableJobs, TenantID: tenantID, ID: id})
	return 1, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	s.publish(models.Change{Operation: models.ChangeDelete, Table: models.TableJobs, TenantID: tenantID, ID: id})
	return nil
}

// --- Time Entries ---

func (s *MemoryStore) InsertTimeEntry(ctx context.Context, e *models.TimeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.timeEntries[e.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateKey
	}
	if e.IsOpen() {
		for _, other := range s.timeEntries {
			if other.TenantID == e.TenantID && other.WorkerID == e.WorkerID && other.IsOpen() {
				s.mu.Unlock()
				return ErrDuplicateKey
			}
		}
	}
	if e.Version == 0 {
		e.Version = 1
	}
	s.timeEntries[e.ID] = e.Clone()
	s.mu.Unlock()

	s.publish(models.Change{Operation: models.ChangeInsert, Table: models.TableTimeEntries, TenantID: e.TenantID, ID: e.ID})
	return nil
}

func (s *MemoryStore) GetTimeEntry(ctx context.Context, tenantID, id uuid.UUID) (*models.TimeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.timeEntries[id]
	if !ok || e.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListTimeEntries(ctx context.Context, filter TimeEntryFilter) ([]*models.TimeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var entries []*models.TimeEntry
	for _, e := range s.timeEntries {
		if e.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkerID != uuid.Nil && e.WorkerID != filter.WorkerID {
			continue
		}
		if filter.OpenOnly && !e.IsOpen() {
			continue
		}
		if !filter.ClockedInSince.IsZero() && e.ClockInTime.Before(filter.ClockedInSince) {
			continue
		}
		if !filter.ClockedInBefore.IsZero() && !e.ClockInTime.Before(filter.ClockedInBefore) {
			continue
		}
		entries = append(entries, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(a, b int) bool { return entries[a].ClockInTime.Before(entries[b].ClockInTime) })
	return entries, nil
}

func (s *MemoryStore) UpdateTimeEntryIf(ctx context.Context, e *models.TimeEntry, expectedStatus string, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	cur, ok := s.timeEntries[e.ID]
	if !ok || cur.TenantID != e.TenantID || cur.Status != expectedStatus || cur.Version != expectedVersion {
		s.mu.Unlock()
		return 0, nil
	}
	next := e.Clone()
	// Identity and clock-in fields are immutable after insert.
	next.WorkerID = cur.WorkerID
	next.ClockInTime = cur.ClockInTime
	next.LocationAtClockIn = cur.LocationAtClockIn
	next.JobSite = cur.JobSite
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	s.timeEntries[e.ID] = next
	s.mu.Unlock()

	s.publish(models.Change{Operation: models.ChangeUpdate, Table: models.TableTimeEntries, TenantID: e.TenantID, ID: e.ID})
	return 1, nil
}

// --- Subscriptions ---

func (s *MemoryStore) Subscribe(ctx context.Context, table string, tenantID uuid.UUID) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(table, tenantID, s.removeSub)
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// DropSubscriptions ends every live subscription with err, as a lost
// connection to the database would.
func (s *MemoryStore) DropSubscriptions(err error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		sub.close(err)
	}
	s.subs = make(map[*subscription]struct{})
}

// SubscriberCount returns the number of live subscriptions.
func (s *MemoryStore) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *MemoryStore) removeSub(sub *subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, sub)
}

func (s *MemoryStore) publish(c models.Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if sub.matches(c) && !sub.deliver(c) {
			delete(s.subs, sub)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
