// Package summary derives reporting figures from cache snapshots. Nothing here
// holds state: every figure is recomputed from the slice it is given.
package summary

import (
	"time"

	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/status"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// JobSummary is the dashboard view of a tenant's jobs.
type JobSummary struct {
	TotalJobs       int                  `json:"total_jobs"`
	ByGroup         map[status.Group]int `json:"by_group"`
	ByStatus        map[string]int       `json:"by_status"`
	TotalRevenue    float64              `json:"total_revenue"`
	TotalCost       float64              `json:"total_cost"`
	GrossMargin     float64              `json:"gross_margin"`
	AverageJobValue float64              `json:"average_job_value"`
}

// AttendanceSummary is one worker's day.
type AttendanceSummary struct {
	State             attendance.State `json:"state"`
	EntriesToday      int              `json:"entries_today"`
	CompletedToday    int              `json:"completed_today"`
	BreakMinutesToday int              `json:"break_minutes_today"`
	HoursWorkedToday  float64          `json:"hours_worked_today"`
}

// Jobs computes every job figure at once.
func Jobs(jobs []*models.Job) JobSummary {
	revenue := TotalRevenue(jobs)
	cost := TotalCost(jobs)
	return JobSummary{
		TotalJobs:       len(jobs),
		ByGroup:         CountByGroup(jobs),
		ByStatus:        CountByStatus(jobs),
		TotalRevenue:    revenue,
		TotalCost:       cost,
		GrossMargin:     revenue - cost,
		AverageJobValue: AverageJobValue(jobs),
	}
}

// CountByGroup counts jobs per reporting group. Every group is present.
func CountByGroup(jobs []*models.Job) map[status.Group]int {
	counts := map[status.Group]int{
		status.GroupActive:    0,
		status.GroupCompleted: 0,
		status.GroupInactive:  0,
	}
	for _, j := range jobs {
		if g, ok := status.GroupOf(j.Status); ok {
			counts[g]++
		}
	}
	return counts
}

// CountByStatus counts jobs per status value. Every known status is present.
func CountByStatus(jobs []*models.Job) map[string]int {
	counts := make(map[string]int)
	for _, s := range status.All() {
		counts[s] = 0
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts
}

// JobTotal is the sum of the job's line-item totals, or its estimated cost
// when it has no line items.
func JobTotal(j *models.Job) float64 {
	if len(j.LineItems) == 0 {
		return j.EstimatedCost
	}
	var total float64
	for _, li := range j.LineItems {
		total += li.Total
	}
	return total
}

// JobCost is what the job's line items cost the business.
func JobCost(j *models.Job) float64 {
	var cost float64
	for _, li := range j.LineItems {
		cost += li.Quantity * li.UnitCost
	}
	return cost
}

// TotalRevenue sums JobTotal over completed jobs.
func TotalRevenue(jobs []*models.Job) float64 {
	var total float64
	for _, j := range jobs {
		if status.InGroup(j.Status, status.GroupCompleted) {
			total += JobTotal(j)
		}
	}
	return total
}

// TotalCost sums JobCost over completed jobs.
func TotalCost(jobs []*models.Job) float64 {
	var total float64
	for _, j := range jobs {
		if status.InGroup(j.Status, status.GroupCompleted) {
			total += JobCost(j)
		}
	}
	return total
}

// AverageJobValue is the mean JobTotal over all jobs, zero for none.
func AverageJobValue(jobs []*models.Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var total float64
	for _, j := range jobs {
		total += JobTotal(j)
	}
	return total / float64(len(jobs))
}

// HoursWorkedToday sums worked time over completed entries clocked in on
// now's calendar day, in now's location.
func HoursWorkedToday(entries []*models.TimeEntry, now time.Time) float64 {
	var minutes int
	for _, e := range entries {
		if e.Status == models.TimeEntryCompleted && sameDay(e.ClockInTime, now) {
			minutes += attendance.WorkedMinutes(e, now)
		}
	}
	return float64(minutes) / 60
}

// Attendance summarizes a worker's entries for now's day. current is the open
// entry, nil when the worker is not clocked in.
func Attendance(entries []*models.TimeEntry, current *models.TimeEntry, now time.Time) AttendanceSummary {
	s := AttendanceSummary{
		State:            attendance.StateOf(current),
		HoursWorkedToday: HoursWorkedToday(entries, now),
	}
	for _, e := range entries {
		if !sameDay(e.ClockInTime, now) {
			continue
		}
		s.EntriesToday++
		s.BreakMinutesToday += e.TotalBreakMinutes
		if e.Status == models.TimeEntryCompleted {
			s.CompletedToday++
		}
	}
	return s
}

func sameDay(t, now time.Time) bool {
	y1, m1, d1 := t.In(now.Location()).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
