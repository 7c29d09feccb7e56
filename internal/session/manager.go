// Package session hands out the controllers for a resolved tenant and actor.
// Each controller is created once and reused by every request for the same
// tenant (and worker). A tenant has one feed route per table.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/config"
	"github.com/kiranshivaraju/fieldops/internal/events"
	"github.com/kiranshivaraju/fieldops/internal/feed"
	"github.com/kiranshivaraju/fieldops/internal/jobs"
	"github.com/kiranshivaraju/fieldops/internal/metrics"
	"github.com/kiranshivaraju/fieldops/internal/retry"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Store is what the controllers need from the authoritative store.
type Store interface {
	store.JobStore
	store.TimeEntryStore
	store.Subscriber
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Store     Store
	Router    *feed.Router
	Publisher events.Publisher
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// sweepEvery bounds how often idle attendance controllers are looked for.
const sweepEvery = time.Hour

// Manager owns the per-tenant job controllers and per-worker attendance
// controllers. Feed routes live as long as the context passed to NewManager.
// Attendance controllers unused for cfg.WorkerIdle are dropped.
type Manager struct {
	ctx  context.Context
	deps Deps
	cfg  config.SyncConfig

	mu         sync.Mutex
	jobs       map[uuid.UUID]*jobs.Controller
	attendance map[uuid.UUID]*tenantAttendance
	lastSweep  time.Time
}

// NewManager creates a Manager. ctx bounds the lifetime of the feed routes.
func NewManager(ctx context.Context, deps Deps, cfg config.SyncConfig) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		ctx:        ctx,
		deps:       deps,
		cfg:        cfg,
		jobs:       make(map[uuid.UUID]*jobs.Controller),
		attendance: make(map[uuid.UUID]*tenantAttendance),
	}
}

// Policy is the transport retry policy derived from the sync settings.
func Policy(cfg config.SyncConfig) retry.Policy {
	p := retry.DefaultPolicy
	if cfg.StoreTimeout > 0 {
		p.Timeout = cfg.StoreTimeout
	}
	if cfg.TransportRetries >= 0 {
		p.Retries = cfg.TransportRetries
	}
	return p
}

// Jobs returns the tenant's job controller, creating it on first use.
func (m *Manager) Jobs(tenantID uuid.UUID) (*jobs.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.jobs[tenantID]; ok {
		return c, nil
	}
	c := jobs.NewController(tenantID, m.deps.Store, jobs.Options{
		Policy:          Policy(m.cfg),
		ConflictRetries: m.cfg.ConflictRetries,
		Now:             m.deps.Now,
		Publisher:       m.deps.Publisher,
		Metrics:         m.deps.Metrics,
		Logger:          m.deps.Logger,
	})
	if err := m.route(models.TableJobs, tenantID, c); err != nil {
		return nil, err
	}
	m.jobs[tenantID] = c
	return c, nil
}

// Attendance returns the worker's attendance controller, creating it on first use.
func (m *Manager) Attendance(tenantID, workerID uuid.UUID) (*attendance.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.deps.Now()
	m.sweep(now)

	ta, ok := m.attendance[tenantID]
	if !ok {
		ta = newTenantAttendance(tenantID, m.deps.Store, Policy(m.cfg))
		if err := m.route(models.TableTimeEntries, tenantID, ta); err != nil {
			return nil, err
		}
		m.attendance[tenantID] = ta
	}
	return ta.controller(workerID, now, func() *attendance.Controller {
		return attendance.NewController(tenantID, workerID, m.deps.Store, attendance.Options{
			Policy:          Policy(m.cfg),
			ConflictRetries: m.cfg.ConflictRetries,
			Timezone:        m.cfg.Timezone,
			Now:             m.deps.Now,
			Publisher:       m.deps.Publisher,
			Metrics:         m.deps.Metrics,
			Logger:          m.deps.Logger,
		})
	}), nil
}

// Counts reports how many controllers are live.
func (m *Manager) Counts() (jobControllers, attendanceControllers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ta := range m.attendance {
		attendanceControllers += ta.size()
	}
	return len(m.jobs), attendanceControllers
}

// sweep drops attendance controllers idle for longer than cfg.WorkerIdle. The
// tenant's feed route stays, so a returning worker only rebuilds its cache.
func (m *Manager) sweep(now time.Time) {
	if m.cfg.WorkerIdle <= 0 || now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	cutoff := now.Add(-m.cfg.WorkerIdle)
	for _, ta := range m.attendance {
		ta.evictIdle(cutoff)
	}
}

func (m *Manager) route(table string, tenantID uuid.UUID, target feed.Refresher) error {
	if m.deps.Router == nil {
		return nil
	}
	if _, err := m.deps.Router.Register(m.ctx, feed.Route{Table: table, TenantID: tenantID, Target: target}); err != nil {
		return fmt.Errorf("registering %s feed for tenant %s: %w", table, tenantID, err)
	}
	return nil
}
