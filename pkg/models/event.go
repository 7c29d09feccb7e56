package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventJobStatusChanged = "job.status_changed"
	EventJobCreated       = "job.created"
	EventJobRemoved       = "job.removed"
	EventClockedIn        = "attendance.clocked_in"
	EventBreakStarted     = "attendance.break_started"
	EventBreakEnded       = "attendance.break_ended"
	EventClockedOut       = "attendance.clocked_out"
)

// Event is emitted after a write has been confirmed by the store.
// From and To are only set for job status changes.
type Event struct {
	Type       string    `json:"type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ActorID    uuid.UUID `json:"actor_id"`
	EntityID   uuid.UUID `json:"entity_id"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
