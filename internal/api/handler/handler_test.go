package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/api/handler"
	mw "github.com/kiranshivaraju/fieldops/internal/api/middleware"
	"github.com/kiranshivaraju/fieldops/internal/config"
	"github.com/kiranshivaraju/fieldops/internal/session"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	router   http.Handler
	store    *store.MemoryStore
	clock    *clock
	tenantID uuid.UUID
	actorID  uuid.UUID
}

// newEnv mounts the handlers behind a stand-in for the auth middleware that
// injects a fixed tenant and actor.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    store.NewMemoryStore(),
		clock:    &clock{now: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)},
		tenantID: uuid.New(),
		actorID:  uuid.New(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr := session.NewManager(ctx, session.Deps{Store: e.store, Now: e.clock.Now}, config.SyncConfig{
		StoreTimeout:    time.Second,
		ConflictRetries: 3,
		Timezone:        time.UTC,
	})

	jobsH := handler.NewJobsHandler(mgr)
	attH := handler.NewAttendanceHandler(mgr)

	r := chi.NewRouter()
	r.Get("/api/v1/statuses", handler.NewStatusesHandler())
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				c := mw.SetTenantID(req.Context(), e.tenantID)
				c = mw.SetActorID(c, e.actorID)
				next.ServeHTTP(w, req.WithContext(c))
			})
		})
		r.Get("/api/v1/jobs", jobsH.List)
		r.Post("/api/v1/jobs", jobsH.Create)
		r.Get("/api/v1/jobs/summary", jobsH.Summary)
		r.Get("/api/v1/jobs/{jobID}", jobsH.Get)
		r.Delete("/api/v1/jobs/{jobID}", jobsH.Delete)
		r.Get("/api/v1/jobs/{jobID}/transitions", jobsH.Transitions)
		r.Post("/api/v1/jobs/{jobID}/transitions", jobsH.Transition)

		r.Post("/api/v1/attendance/clock-in", attH.ClockIn)
		r.Post("/api/v1/attendance/break/start", attH.StartBreak)
		r.Post("/api/v1/attendance/break/end", attH.EndBreak)
		r.Post("/api/v1/attendance/clock-out", attH.ClockOut)
		r.Get("/api/v1/attendance/current", attH.Current)
		r.Get("/api/v1/attendance/today", attH.Today)
		r.Get("/api/v1/attendance/summary", attH.Summary)
	})
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func list(t *testing.T, rec *httptest.ResponseRecorder) ([]any, int) {
	t.Helper()
	var env struct {
		Data []any `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data, env.Meta.Total
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}
