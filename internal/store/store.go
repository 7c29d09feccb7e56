package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

var ErrNotFound = models.ErrNotFound
var ErrDuplicateKey = fmt.Errorf("%w: duplicate key", models.ErrConstraintViolation)

// ErrSubscriptionClosed is reported by Subscription.Err after Unsubscribe.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ErrSubscriberTooSlow is reported when a subscriber's buffer overflowed and
// notifications were lost. Consumers should resubscribe and refresh fully.
var ErrSubscriberTooSlow = errors.New("subscriber too slow, notifications dropped")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	TenantStore
	APIKeyStore
	JobStore
	TimeEntryStore
	Subscriber
}

type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// JobStore is the jobs table contract.
// UpdateJobStatusIf is a compare-and-swap: it writes only when the stored status
// still equals expected and reports the number of rows affected (0 or 1).
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	UpdateJobStatusIf(ctx context.Context, tenantID, id uuid.UUID, expected string, upd JobStatusUpdate) (int64, error)
	DeleteJob(ctx context.Context, tenantID, id uuid.UUID) error
}

// TimeEntryStore is the time_entries table contract.
// InsertTimeEntry returns ErrDuplicateKey when the worker already has an open entry.
// UpdateTimeEntryIf writes every mutable field of entry only when the stored row
// still has expectedStatus and expectedVersion, bumping the version by one.
type TimeEntryStore interface {
	InsertTimeEntry(ctx context.Context, entry *models.TimeEntry) error
	GetTimeEntry(ctx context.Context, tenantID, id uuid.UUID) (*models.TimeEntry, error)
	ListTimeEntries(ctx context.Context, filter TimeEntryFilter) ([]*models.TimeEntry, error)
	UpdateTimeEntryIf(ctx context.Context, entry *models.TimeEntry, expectedStatus string, expectedVersion int64) (int64, error)
}

// Subscriber yields change notifications for one table within one tenant.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, tenantID uuid.UUID) (Subscription, error)
}

// Subscription is a live notification stream. Changes is closed when the
// subscription ends; Err then reports why.
type Subscription interface {
	Changes() <-chan models.Change
	Err() error
	Unsubscribe()
}

type JobFilter struct {
	TenantID         uuid.UUID
	Statuses         []string
	AssignedWorkerID *uuid.UUID
}

type TimeEntryFilter struct {
	TenantID uuid.UUID
	WorkerID uuid.UUID
	OpenOnly bool
	// ClockedInSince and ClockedInBefore bound clock_in_time when non-zero.
	ClockedInSince  time.Time
	ClockedInBefore time.Time
}

type JobStatusUpdate struct {
	Status         string
	CompletionDate *time.Time
	UpdatedAt      time.Time
}

const subscriptionBuffer = 64
