/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     zap request log with request ID and status
  4. Metrics:    Prometheus request counter by route pattern
  5. CORS:       Cross-origin requests for frontend
  6. Auth:       Bearer JWT resolved into the dues actor

ROUTE GROUPS:
  /api/dues-types/*     Catalog
  /api/plans/*          Dues plans and their charges
  /api/assistance/*     Solidarity requests
  /api/members/*        Directory, debt, reminders
  /api/obligations/*    Membership fee obligations
  /api/charges/*        Charge payments
  /api/sweeps/*         Manual sweep runs
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness and database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token parsing
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/metrics"
)

type RouterOptions struct {
	Auth           *Authenticator    // nil: every request is anonymous
	Metrics        *metrics.Recorder // nil: no /metrics, no request counter
	Log            *zap.Logger
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Log.Named("http")))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}

		r.Route("/dues-types", func(r chi.Router) {
			r.Get("/", h.ListDuesTypes)
			r.Post("/", h.CreateDuesType)
			r.Get("/{id}", h.GetDuesType)
			r.Patch("/{id}", h.UpdateDuesType)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Patch("/{id}", h.UpdatePlan)
			r.Delete("/{id}", h.DeletePlan)
			r.Post("/{id}/materialize", h.MaterializePlan)
			r.Post("/{id}/cancel", h.CancelPlan)
			r.Get("/{id}/charges", h.PlanCharges)
		})

		r.Route("/assistance", func(r chi.Router) {
			r.Get("/", h.ListAssistance)
			r.Post("/", h.CreateAssistance)
			r.Get("/{id}", h.GetAssistance)
			r.Patch("/{id}", h.UpdateAssistance)
			r.Delete("/{id}", h.DeleteAssistance)
			r.Post("/{id}/validate", h.ValidateAssistance)
			r.Post("/{id}/cancel", h.CancelAssistance)
		})

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.SaveMember)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/charges", h.MemberCharges)
			r.Get("/{id}/debt", h.MemberDebt)
			r.Get("/{id}/reminders", h.MemberReminders)
			r.Get("/{id}/obligations", h.MemberObligations)
			r.Post("/{id}/veteran", h.MarkVeteran)
		})

		r.Route("/obligations", func(r chi.Router) {
			r.Post("/", h.CreateObligation)
			r.Post("/{id}/payments", h.RecordObligationPayment)
		})

		r.Post("/charges/{id}/payments", h.RecordChargePayment)

		r.Route("/sweeps", func(r chi.Router) {
			r.Post("/materialization", h.RunMaterializationSweep)
			r.Post("/reminders", h.RunReminderSweep)
		})
		r.Get("/reminders/threshold", h.ReminderThreshold)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}
