package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TimeEntryActive    = "active"
	TimeEntryOnBreak   = "on_break"
	TimeEntryCompleted = "completed"
)

// Location is a geotag captured at clock-in or clock-out.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// TimeEntry is one clock-in to clock-out span for a worker. At most one entry per
// (tenant, worker) may be open (active or on_break); the store enforces this.
type TimeEntry struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	TenantID           uuid.UUID  `db:"tenant_id"            json:"tenant_id"`
	WorkerID           uuid.UUID  `db:"worker_id"            json:"worker_id"`
	JobSite            *string    `db:"job_site"             json:"job_site,omitempty"`
	ClockInTime        time.Time  `db:"clock_in_time"        json:"clock_in_time"`
	ClockOutTime       *time.Time `db:"clock_out_time"       json:"clock_out_time,omitempty"`
	BreakStartTime     *time.Time `db:"break_start_time"     json:"break_start_time,omitempty"`
	BreakEndTime       *time.Time `db:"break_end_time"       json:"break_end_time,omitempty"`
	TotalBreakMinutes  int        `db:"total_break_minutes"  json:"total_break_minutes"`
	LocationAtClockIn  *Location  `db:"location_at_clock_in" json:"location_at_clock_in,omitempty"`
	LocationAtClockOut *Location  `db:"location_at_clock_out" json:"location_at_clock_out,omitempty"`
	Notes              *string    `db:"notes"                json:"notes,omitempty"`
	Status             string     `db:"status"               json:"status"`
	Version            int64      `db:"version"              json:"version"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// IsOpen reports whether the entry has not been clocked out yet.
func (e *TimeEntry) IsOpen() bool {
	return e != nil && (e.Status == TimeEntryActive || e.Status == TimeEntryOnBreak)
}

// Clone returns a deep copy of the entry.
func (e *TimeEntry) Clone() *TimeEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.JobSite = cloneString(e.JobSite)
	c.Notes = cloneString(e.Notes)
	c.ClockOutTime = cloneTime(e.ClockOutTime)
	c.BreakStartTime = cloneTime(e.BreakStartTime)
	c.BreakEndTime = cloneTime(e.BreakEndTime)
	if e.LocationAtClockIn != nil {
		l := *e.LocationAtClockIn
		c.LocationAtClockIn = &l
	}
	if e.LocationAtClockOut != nil {
		l := *e.LocationAtClockOut
		c.LocationAtClockOut = &l
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
