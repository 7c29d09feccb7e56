package models

import (
	"time"

	"github.com/google/uuid"
)

// Job status values. The legal moves between them live in internal/status.
const (
	JobStatusScheduled        = "scheduled"
	JobStatusInProgress       = "in_progress"
	JobStatusCompleted        = "completed"
	JobStatusCancelled        = "cancelled"
	JobStatusOnHold           = "on_hold"
	JobStatusRequiresApproval = "requires_approval"
	JobStatusPendingApproval  = "pending_approval"
	JobStatusArchived         = "archived"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Job is a work order. Status changes only through the job lifecycle controller;
// Version is bumped by the store on every write and serves as the cache watermark.
type Job struct {
	ID               uuid.UUID  `db:"id"                 json:"id"`
	TenantID         uuid.UUID  `db:"tenant_id"          json:"tenant_id"`
	Title            string     `db:"title"              json:"title"`
	Status           string     `db:"status"             json:"status"`
	Priority         string     `db:"priority"           json:"priority"`
	ScheduledDate    time.Time  `db:"scheduled_date"     json:"scheduled_date"`
	ScheduledTime    string     `db:"scheduled_time"     json:"scheduled_time"`
	AssignedWorkerID *uuid.UUID `db:"assigned_worker_id" json:"assigned_worker_id,omitempty"`
	EstimatedCost    float64    `db:"estimated_cost"     json:"estimated_cost"`
	LineItems        []LineItem `db:"line_items"         json:"line_items"`
	CompletionDate   *time.Time `db:"completion_date"    json:"completion_date,omitempty"`
	Version          int64      `db:"version"            json:"version"`
	CreatedAt        time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}

// LineItem is one billable row on a job.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost"`
	Total       float64 `json:"total"`
}

// Clone returns a deep copy so cached snapshots never share slices or pointers with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LineItems != nil {
		c.LineItems = make([]LineItem, len(j.LineItems))
		copy(c.LineItems, j.LineItems)
	}
	if j.AssignedWorkerID != nil {
		id := *j.AssignedWorkerID
		c.AssignedWorkerID = &id
	}
	if j.CompletionDate != nil {
		t := *j.CompletionDate
		c.CompletionDate = &t
	}
	return &c
}

// ValidPriority reports whether p is one of low, medium, high.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
