package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/retry"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// tenantAttendance is the single time_entries feed route of a tenant. Each
// notification is read once and handed to the worker it belongs to.
type tenantAttendance struct {
	tenantID uuid.UUID
	store    store.TimeEntryStore
	policy   retry.Policy

	mu      sync.Mutex
	workers map[uuid.UUID]*workerSlot
}

type workerSlot struct {
	ctrl     *attendance.Controller
	lastUsed time.Time
}

func newTenantAttendance(tenantID uuid.UUID, s store.TimeEntryStore, policy retry.Policy) *tenantAttendance {
	return &tenantAttendance{
		tenantID: tenantID,
		store:    s,
		policy:   policy,
		workers:  make(map[uuid.UUID]*workerSlot),
	}
}

// controller returns the worker's controller, building it with create on first use.
func (t *tenantAttendance) controller(workerID uuid.UUID, now time.Time, create func() *attendance.Controller) *attendance.Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.workers[workerID]
	if !ok {
		slot = &workerSlot{ctrl: create()}
		t.workers[workerID] = slot
	}
	slot.lastUsed = now
	return slot.ctrl
}

// evictIdle drops the controllers not used since cutoff.
func (t *tenantAttendance) evictIdle(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, slot := range t.workers {
		if slot.lastUsed.Before(cutoff) {
			delete(t.workers, id)
		}
	}
}

func (t *tenantAttendance) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

func (t *tenantAttendance) controllers() []*attendance.Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*attendance.Controller, 0, len(t.workers))
	for _, slot := range t.workers {
		out = append(out, slot.ctrl)
	}
	return out
}

func (t *tenantAttendance) lookup(workerID uuid.UUID) *attendance.Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, ok := t.workers[workerID]; ok {
		return slot.ctrl
	}
	return nil
}

// Refresh reloads every live worker cache of the tenant.
func (t *tenantAttendance) Refresh(ctx context.Context) error {
	var errs []error
	for _, c := range t.controllers() {
		if err := c.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", c.WorkerID(), err))
		}
	}
	return errors.Join(errs...)
}

// RefreshByID reads the changed entry once and reconciles only its worker.
// A deleted entry is dropped from every cache that may hold it.
func (t *tenantAttendance) RefreshByID(ctx context.Context, id uuid.UUID) error {
	e, err := retry.Value(ctx, t.policy, func(ctx context.Context) (*models.TimeEntry, error) {
		return t.store.GetTimeEntry(ctx, t.tenantID, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		for _, c := range t.controllers() {
			c.Reconcile(id, nil)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh time entry %s: %w", id, err)
	}
	if c := t.lookup(e.WorkerID); c != nil {
		c.Reconcile(id, e)
	}
	return nil
}
