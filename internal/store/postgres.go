package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	hub  *notifyHub
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, hub: newNotifyHub(pool)}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return classify("create tenant", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get tenant", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, actor_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, classify("get api key by prefix", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.ActorID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, classify("scan api key", err)
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list api keys", err)
	}
	return keys, nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return classify("update api key last used", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, actor_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.TenantID, key.ActorID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return classify("create api key", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return classify("revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, title, status, priority, scheduled_date, scheduled_time, assigned_worker_id,
	estimated_cost, line_items, completion_date, version, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Title, &j.Status, &j.Priority, &j.ScheduledDate, &j.ScheduledTime,
		&j.AssignedWorkerID, &j.EstimatedCost, &j.LineItems, &j.CompletionDate, &j.Version,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	lineItems := job.LineItems
	if lineItems == nil {
		lineItems = []models.LineItem{}
	}
	if job.Version == 0 {
		job.Version = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, job.TenantID, job.Title, job.Status, job.Priority, job.ScheduledDate, job.ScheduledTime,
		job.AssignedWorkerID, job.EstimatedCost, lineItems, job.CompletionDate, job.Version,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return classify("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, tenantID, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get job", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, filter.Statuses)
		argIdx++
	}
	if filter.AssignedWorkerID != nil {
		conditions = append(conditions, fmt.Sprintf("assigned_worker_id = $%d", argIdx))
		args = append(args, *filter.AssignedWorkerID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY scheduled_date, scheduled_time, created_at`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateJobStatusIf(ctx context.Context, tenantID, id uuid.UUID, expected string, upd JobStatusUpdate) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $4, completion_date = $5, updated_at = $6, version = version + 1
		 WHERE id = $1 AND tenant_id = $2 AND status = $3`,
		id, tenantID, expected, upd.Status, upd.CompletionDate, upd.UpdatedAt)
	if err != nil {
		return 0, classify("update job status", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return classify("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Time Entries ---

const timeEntryColumns = `id, tenant_id, worker_id, job_site, clock_in_time, clock_out_time, break_start_time,
	break_end_time, total_break_minutes, location_at_clock_in, location_at_clock_out, notes, status, version,
	created_at, updated_at`

func scanTimeEntry(row pgx.Row) (*models.TimeEntry, error) {
	var e models.TimeEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.WorkerID, &e.JobSite, &e.ClockInTime, &e.ClockOutTime,
		&e.BreakStartTime, &e.BreakEndTime, &e.TotalBreakMinutes, &e.LocationAtClockIn,
		&e.LocationAtClockOut, &e.Notes, &e.Status, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) InsertTimeEntry(ctx context.Context, e *models.TimeEntry) error {
	if e.Version == 0 {
		e.Version = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO time_entries (`+timeEntryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.TenantID, e.WorkerID, e.JobSite, e.ClockInTime, e.ClockOutTime, e.BreakStartTime,
		e.BreakEndTime, e.TotalBreakMinutes, e.LocationAtClockIn, e.LocationAtClockOut, e.Notes,
		e.Status, e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return classify("insert time entry", err)
	}
	return nil
}

func (s *PostgresStore) GetTimeEntry(ctx context.Context, tenantID, id uuid.UUID) (*models.TimeEntry, error) {
	e, err := scanTimeEntry(s.pool.QueryRow(ctx,
		`SELECT `+timeEntryColumns+` FROM time_entries WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get time entry", err)
	}
	return e, nil
}

func (s *PostgresStore) ListTimeEntries(ctx context.Context, filter TimeEntryFilter) ([]*models.TimeEntry, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.WorkerID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("worker_id = $%d", argIdx))
		args = append(args, filter.WorkerID)
		argIdx++
	}
	if filter.OpenOnly {
		conditions = append(conditions, "status IN ('active', 'on_break')")
	}
	if !filter.ClockedInSince.IsZero() {
		conditions = append(conditions, fmt.Sprintf("clock_in_time >= $%d", argIdx))
		args = append(args, filter.ClockedInSince)
		argIdx++
	}
	if !filter.ClockedInBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("clock_in_time < $%d", argIdx))
		args = append(args, filter.ClockedInBefore)
	}

	query := `SELECT ` + timeEntryColumns + ` FROM time_entries WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY clock_in_time`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list time entries", err)
	}
	defer rows.Close()

	var entries []*models.TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, classify("scan time entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list time entries", err)
	}
	return entries, nil
}

func (s *PostgresStore) UpdateTimeEntryIf(ctx context.Context, e *models.TimeEntry, expectedStatus string, expectedVersion int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE time_entries SET
		   clock_out_time = $5, break_start_time = $6, break_end_time = $7, total_break_minutes = $8,
		   location_at_clock_out = $9, notes = $10, status = $11, updated_at = $12, version = version + 1
		 WHERE id = $1 AND tenant_id = $2 AND status = $3 AND version = $4`,
		e.ID, e.TenantID, expectedStatus, expectedVersion,
		e.ClockOutTime, e.BreakStartTime, e.BreakEndTime, e.TotalBreakMinutes,
		e.LocationAtClockOut, e.Notes, e.Status, e.UpdatedAt)
	if err != nil {
		return 0, classify("update time entry", err)
	}
	return tag.RowsAffected(), nil
}

// --- Subscriptions ---

// Subscribe streams row changes published by the notify_row_change trigger.
func (s *PostgresStore) Subscribe(ctx context.Context, table string, tenantID uuid.UUID) (Subscription, error) {
	return s.hub.subscribe(ctx, table, tenantID)
}
