package response_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/fieldops/internal/api/response"
	"github.com/kiranshivaraju/fieldops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"name": "test"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "test", data["name"])
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "abc", data["id"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	response.Collection(w, []map[string]string{{"id": "1"}, {"id": "2"}}, 2)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["total"])
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid params", map[string][]string{
		"title": {"title is required"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, "Invalid params", errObj["message"])
	assert.NotNil(t, errObj["details"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Not found", nil)

	errObj := decode(t, w)["error"].(map[string]any)
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}

func TestFromError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid transition", &models.InvalidTransitionError{From: "completed", To: "scheduled"}, http.StatusUnprocessableEntity, "INVALID_TRANSITION"},
		{"unknown status", fmt.Errorf("%w: %q", models.ErrUnknownStatus, "done"), http.StatusUnprocessableEntity, "UNKNOWN_STATUS"},
		{"validation", fmt.Errorf("%w: title is required", models.ErrValidation), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"not on break", models.ErrNotOnBreak, http.StatusUnprocessableEntity, "INVALID_ATTENDANCE_STATE"},
		{"already clocked in", models.ErrAlreadyClockedIn, http.StatusConflict, "ALREADY_CLOCKED_IN"},
		{"conflict", fmt.Errorf("transition job: %w", models.ErrConcurrencyConflict), http.StatusConflict, "CONCURRENCY_CONFLICT"},
		{"constraint", models.ErrConstraintViolation, http.StatusConflict, "CONSTRAINT_VIOLATION"},
		{"not found", fmt.Errorf("job x: %w", models.ErrNotFound), http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{"transport", fmt.Errorf("%w: %w", models.ErrTransport, errors.New("dial tcp")), http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
		{"out of range value", fmt.Errorf("create job: %w: numeric field overflow", models.ErrValidation), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"internal store", fmt.Errorf("scan job: %w", models.ErrInternal), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			response.FromError(context.Background(), w, tc.err)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["error"].(map[string]any)["code"])
		})
	}
}

func TestFromError_InvalidTransitionDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.FromError(context.Background(), w, &models.InvalidTransitionError{From: "in_progress", To: "archived"})

	details := decode(t, w)["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "in_progress", details["from"])
	assert.Equal(t, "archived", details["to"])
}

func TestFromError_TransportSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	response.FromError(context.Background(), w, models.ErrTransport)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}
