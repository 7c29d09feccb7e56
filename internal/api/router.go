package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/fieldops/internal/api/middleware"
	"github.com/kiranshivaraju/fieldops/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
	StatusesHandler http.HandlerFunc

	ListJobs       http.HandlerFunc
	CreateJob      http.HandlerFunc
	JobSummary     http.HandlerFunc
	GetJob         http.HandlerFunc
	DeleteJob      http.HandlerFunc
	JobTransitions http.HandlerFunc
	TransitionJob  http.HandlerFunc

	ClockIn           http.HandlerFunc
	StartBreak        http.HandlerFunc
	EndBreak          http.HandlerFunc
	ClockOut          http.HandlerFunc
	CurrentEntry      http.HandlerFunc
	TodayEntries      http.HandlerFunc
	AttendanceSummary http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/statuses", orNotImplemented(deps.StatusesHandler))

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.Post("/", orNotImplemented(deps.CreateJob))
			r.Get("/summary", orNotImplemented(deps.JobSummary))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/{jobID}/transitions", orNotImplemented(deps.JobTransitions))
			r.Post("/{jobID}/transitions", orNotImplemented(deps.TransitionJob))

			// Admin routes
			r.With(deps.Auth.RequireScope(mw.ScopeAdmin)).
				Delete("/{jobID}", orNotImplemented(deps.DeleteJob))
		})

		r.Route("/api/v1/attendance", func(r chi.Router) {
			r.Post("/clock-in", orNotImplemented(deps.ClockIn))
			r.Post("/break/start", orNotImplemented(deps.StartBreak))
			r.Post("/break/end", orNotImplemented(deps.EndBreak))
			r.Post("/clock-out", orNotImplemented(deps.ClockOut))
			r.Get("/current", orNotImplemented(deps.CurrentEntry))
			r.Get("/today", orNotImplemented(deps.TodayEntries))
			r.Get("/summary", orNotImplemented(deps.AttendanceSummary))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
