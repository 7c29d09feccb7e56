package response

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/fieldops/pkg/models"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any      `json:"data"`
	Meta ListMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ListMeta struct {
	Total int `json:"total"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: ListMeta{Total: total}})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// FromError writes the error response for a controller error. The most
// specific match wins, so an invalid transition is reported as such rather
// than as a generic validation failure.
func FromError(ctx context.Context, w http.ResponseWriter, err error) {
	var ite *models.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		Error(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION", err.Error(),
			map[string]string{"from": ite.From, "to": ite.To})
	case errors.Is(err, models.ErrUnknownStatus):
		Error(w, http.StatusUnprocessableEntity, "UNKNOWN_STATUS", err.Error(), nil)
	case errors.Is(err, models.ErrAlreadyClockedIn):
		Error(w, http.StatusConflict, "ALREADY_CLOCKED_IN", "Worker is already clocked in", nil)
	case errors.Is(err, models.ErrNotActive),
		errors.Is(err, models.ErrNotOnBreak),
		errors.Is(err, models.ErrNotClockedIn):
		Error(w, http.StatusUnprocessableEntity, "INVALID_ATTENDANCE_STATE", err.Error(), nil)
	case errors.Is(err, models.ErrValidation):
		Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, models.ErrNotFound):
		Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, models.ErrConcurrencyConflict):
		Error(w, http.StatusConflict, "CONCURRENCY_CONFLICT", "The record was changed by someone else, try again", nil)
	case errors.Is(err, models.ErrConstraintViolation):
		Error(w, http.StatusConflict, "CONSTRAINT_VIOLATION", err.Error(), nil)
	case errors.Is(err, models.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "5")
		Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The data store is unavailable, try again later", nil)
	default:
		slog.ErrorContext(ctx, "unhandled error", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
