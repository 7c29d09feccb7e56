package handler

import (
	"net/http"

	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/summary"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// AttendanceHandler serves /api/v1/attendance for the authenticated worker.
type AttendanceHandler struct {
	ctrls Controllers
}

func NewAttendanceHandler(ctrls Controllers) *AttendanceHandler {
	return &AttendanceHandler{ctrls: ctrls}
}

func (h *AttendanceHandler) controller(w http.ResponseWriter, r *http.Request) (*attendance.Controller, bool) {
	p, ok := identify(w, r)
	if !ok {
		return nil, false
	}
	c, err := h.ctrls.Attendance(p.tenantID, p.actorID)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return nil, false
	}
	return c, true
}

type clockInRequest struct {
	Location *models.Location `json:"location"`
	JobSite  *string          `json:"job_site"`
}

// ClockIn handles POST /api/v1/attendance/clock-in.
func (h *AttendanceHandler) ClockIn(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req clockInRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := c.ClockIn(r.Context(), req.Location, req.JobSite)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.Created(w, e)
}

// StartBreak handles POST /api/v1/attendance/break/start.
func (h *AttendanceHandler) StartBreak(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	e, err := c.StartBreak(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, e)
}

// EndBreak handles POST /api/v1/attendance/break/end.
func (h *AttendanceHandler) EndBreak(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	e, err := c.EndBreak(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, e)
}

type clockOutRequest struct {
	Location *models.Location `json:"location"`
	Notes    *string          `json:"notes"`
}

type clockOutResponse struct {
	Entry         *models.TimeEntry `json:"entry"`
	WorkedMinutes int               `json:"worked_minutes"`
}

// ClockOut handles POST /api/v1/attendance/clock-out.
func (h *AttendanceHandler) ClockOut(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req clockOutRequest
	if !decode(w, r, &req) {
		return
	}
	e, worked, err := c.ClockOut(r.Context(), req.Location, req.Notes)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, clockOutResponse{Entry: e, WorkedMinutes: worked})
}

type currentResponse struct {
	State attendance.State  `json:"state"`
	Entry *models.TimeEntry `json:"entry"`
}

// Current handles GET /api/v1/attendance/current. Entry is null when the
// worker is not clocked in.
func (h *AttendanceHandler) Current(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	e, err := c.CurrentEntry(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, currentResponse{State: attendance.StateOf(e), Entry: e})
}

// Today handles GET /api/v1/attendance/today.
func (h *AttendanceHandler) Today(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	entries, err := c.TodayEntries(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.Collection(w, entries, len(entries))
}

// Summary handles GET /api/v1/attendance/summary.
func (h *AttendanceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	entries, err := c.TodayEntries(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	current, err := c.CurrentEntry(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, summary.Attendance(entries, current, c.Now()))
}
