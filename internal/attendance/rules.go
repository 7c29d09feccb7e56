package attendance

import (
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// State is a worker's attendance state derived from their open entry.
type State string

const (
	StateNotClocked State = "not_clocked"
	StateActive     State = "active"
	StateOnBreak    State = "on_break"
)

// StateOf maps the worker's open entry (nil when none) to a State.
// Completed entries count as not clocked in.
func StateOf(open *models.TimeEntry) State {
	if open == nil {
		return StateNotClocked
	}
	switch open.Status {
	case models.TimeEntryActive:
		return StateActive
	case models.TimeEntryOnBreak:
		return StateOnBreak
	}
	return StateNotClocked
}

// CheckClockIn fails with ErrAlreadyClockedIn when an open entry exists.
func CheckClockIn(open *models.TimeEntry) error {
	if open.IsOpen() {
		return models.ErrAlreadyClockedIn
	}
	return nil
}

// CheckStartBreak requires an active entry.
func CheckStartBreak(e *models.TimeEntry) error {
	if e == nil || e.Status != models.TimeEntryActive {
		return models.ErrNotActive
	}
	return nil
}

// CheckEndBreak requires an entry on break with a recorded break start.
func CheckEndBreak(e *models.TimeEntry) error {
	if e == nil || e.Status != models.TimeEntryOnBreak || e.BreakStartTime == nil {
		return models.ErrNotOnBreak
	}
	return nil
}

// CheckClockOut requires an open entry.
func CheckClockOut(e *models.TimeEntry) error {
	if !e.IsOpen() {
		return models.ErrNotClockedIn
	}
	return nil
}

// NewEntry builds the row inserted by a clock-in.
func NewEntry(tenantID, workerID uuid.UUID, loc *models.Location, jobSite *string, now time.Time) *models.TimeEntry {
	return &models.TimeEntry{
		ID:                uuid.New(),
		TenantID:          tenantID,
		WorkerID:          workerID,
		JobSite:           jobSite,
		ClockInTime:       now,
		LocationAtClockIn: loc,
		Status:            models.TimeEntryActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// StartBreak returns a copy of e on break from now.
func StartBreak(e *models.TimeEntry, now time.Time) (*models.TimeEntry, error) {
	if err := CheckStartBreak(e); err != nil {
		return nil, err
	}
	next := e.Clone()
	start := now
	next.BreakStartTime = &start
	next.BreakEndTime = nil
	next.Status = models.TimeEntryOnBreak
	next.UpdatedAt = now
	return next, nil
}

// EndBreak returns a copy of e back to active with the break folded into
// TotalBreakMinutes.
func EndBreak(e *models.TimeEntry, now time.Time) (*models.TimeEntry, error) {
	if err := CheckEndBreak(e); err != nil {
		return nil, err
	}
	next := e.Clone()
	closeBreak(next, now)
	next.Status = models.TimeEntryActive
	next.UpdatedAt = now
	return next, nil
}

// ClockOut returns the completed copy of e. An open break is closed first,
// exactly as EndBreak would.
func ClockOut(e *models.TimeEntry, loc *models.Location, notes *string, now time.Time) (*models.TimeEntry, error) {
	if err := CheckClockOut(e); err != nil {
		return nil, err
	}
	next := e.Clone()
	if next.Status == models.TimeEntryOnBreak && next.BreakStartTime != nil {
		closeBreak(next, now)
	}
	next.BreakStartTime = nil
	out := now
	next.ClockOutTime = &out
	next.LocationAtClockOut = loc
	if notes != nil {
		next.Notes = notes
	}
	next.Status = models.TimeEntryCompleted
	next.UpdatedAt = now
	return next, nil
}

func closeBreak(e *models.TimeEntry, now time.Time) {
	e.TotalBreakMinutes += BreakMinutes(*e.BreakStartTime, now)
	end := now
	e.BreakEndTime = &end
	e.BreakStartTime = nil
}

// BreakMinutes is the whole minutes elapsed between start and now, floored.
// A clock that moved backwards yields zero so totals never decrease.
func BreakMinutes(start, now time.Time) int {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// WorkedMinutes is the clocked span minus breaks, never negative.
// Open entries are measured up to now.
func WorkedMinutes(e *models.TimeEntry, now time.Time) int {
	if e == nil {
		return 0
	}
	end := now
	if e.ClockOutTime != nil {
		end = *e.ClockOutTime
	}
	breaks := e.TotalBreakMinutes
	if e.Status == models.TimeEntryOnBreak && e.BreakStartTime != nil {
		breaks += BreakMinutes(*e.BreakStartTime, end)
	}
	worked := int(end.Sub(e.ClockInTime)/time.Minute) - breaks
	if worked < 0 {
		return 0
	}
	return worked
}
