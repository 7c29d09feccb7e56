package models

import "github.com/google/uuid"

// Store table names. Subscriptions and change notifications are scoped by these.
const (
	TableJobs        = "jobs"
	TableTimeEntries = "time_entries"
)

// ChangeOperation is the kind of row change reported by the store.
type ChangeOperation string

const (
	ChangeInsert ChangeOperation = "insert"
	ChangeUpdate ChangeOperation = "update"
	ChangeDelete ChangeOperation = "delete"
)

// Change is a notification that a row changed. It is only a trigger to re-read
// the row; its contents are never applied to a cache directly.
// ID is uuid.Nil when the notification did not carry a resolvable id.
type Change struct {
	Operation ChangeOperation `json:"op"`
	Table     string          `json:"table"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	ID        uuid.UUID       `json:"id"`
}
