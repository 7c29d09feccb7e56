// Package handler exposes the job lifecycle and attendance controllers over HTTP.
// Handlers only translate: identity comes from the auth middleware, decisions
// come from the controllers, and errors are mapped by response.FromError.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/api/middleware"
	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/internal/attendance"
	"github.com/kiranshivaraju/fieldops/internal/jobs"
)

// Controllers resolves the controllers serving a tenant and actor.
// *session.Manager satisfies it.
type Controllers interface {
	Jobs(tenantID uuid.UUID) (*jobs.Controller, error)
	Attendance(tenantID, workerID uuid.UUID) (*attendance.Controller, error)
}

type principal struct {
	tenantID uuid.UUID
	actorID  uuid.UUID
}

// identify reads the tenant and actor set by the auth middleware. It writes a
// 401 and returns false when either is missing.
func identify(w http.ResponseWriter, r *http.Request) (principal, bool) {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return principal{}, false
	}
	actorID, ok := middleware.GetActorID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing actor", nil)
		return principal{}, false
	}
	return principal{tenantID: tenantID, actorID: actorID}, true
}

// decode parses an optional JSON body into dst. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
