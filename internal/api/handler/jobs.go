package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/internal/jobs"
	"github.com/kiranshivaraju/fieldops/internal/status"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// JobsHandler serves /api/v1/jobs.
type JobsHandler struct {
	ctrls Controllers
}

func NewJobsHandler(ctrls Controllers) *JobsHandler {
	return &JobsHandler{ctrls: ctrls}
}

func (h *JobsHandler) controller(w http.ResponseWriter, r *http.Request) (*jobs.Controller, principal, bool) {
	p, ok := identify(w, r)
	if !ok {
		return nil, p, false
	}
	c, err := h.ctrls.Jobs(p.tenantID)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return nil, p, false
	}
	return c, p, true
}

// List handles GET /api/v1/jobs?group=&status=&worker_id=.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.controller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := jobs.Filter{
		Group:  status.Group(q.Get("group")),
		Status: q.Get("status"),
	}
	if v := q.Get("worker_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id must be a UUID", nil)
			return
		}
		f.AssignedWorkerID = &id
	}

	list, err := c.List(r.Context(), f)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.Collection(w, list, len(list))
}

type createJobRequest struct {
	Title            string            `json:"title"`
	Status           string            `json:"status"`
	Priority         string            `json:"priority"`
	ScheduledDate    string            `json:"scheduled_date"`
	ScheduledTime    string            `json:"scheduled_time"`
	AssignedWorkerID *uuid.UUID        `json:"assigned_worker_id"`
	EstimatedCost    float64           `json:"estimated_cost"`
	LineItems        []models.LineItem `json:"line_items"`
}

// Create handles POST /api/v1/jobs.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	c, p, ok := h.controller(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.ScheduledDate)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"scheduled_date must be YYYY-MM-DD or an RFC3339 timestamp", nil)
		return
	}

	j, err := c.Create(r.Context(), p.actorID, jobs.NewJob{
		Title:            req.Title,
		Status:           req.Status,
		Priority:         req.Priority,
		ScheduledDate:    date,
		ScheduledTime:    req.ScheduledTime,
		AssignedWorkerID: req.AssignedWorkerID,
		EstimatedCost:    req.EstimatedCost,
		LineItems:        req.LineItems,
	})
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.Created(w, j)
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.controller(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	j, err := c.Get(r.Context(), jobID)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, j)
}

// Summary handles GET /api/v1/jobs/summary.
func (h *JobsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.controller(w, r)
	if !ok {
		return
	}
	s, err := c.Summary(r.Context())
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, s)
}

type transitionsResponse struct {
	Status  string   `json:"status"`
	Allowed []string `json:"allowed"`
}

// Transitions handles GET /api/v1/jobs/{jobID}/transitions.
func (h *JobsHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.controller(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	from, next, err := c.AllowedTransitions(r.Context(), jobID)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	if next == nil {
		next = []string{}
	}
	response.JSON(w, transitionsResponse{Status: from, Allowed: next})
}

// Transition handles POST /api/v1/jobs/{jobID}/transitions with body {"to": "..."}.
func (h *JobsHandler) Transition(w http.ResponseWriter, r *http.Request) {
	c, p, ok := h.controller(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}

	var req struct {
		To string `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.To == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "to is required", nil)
		return
	}

	j, err := c.Transition(r.Context(), p.actorID, jobID, req.To)
	if err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.JSON(w, j)
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, p, ok := h.controller(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	if err := c.Remove(r.Context(), p.actorID, jobID); err != nil {
		response.FromError(r.Context(), w, err)
		return
	}
	response.NoContent(w)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
