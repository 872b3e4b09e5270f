/*
Package metrics exposes sweep and HTTP metrics to Prometheus.

METRICS:
  dues_materialization_sweeps_total
  dues_plans_materialized_total
  dues_plan_failures_total
  dues_charges_created_total
  dues_reminder_sweeps_total
  dues_reminders_sent_total
  dues_reminders_skipped_cooldown_total
  dues_reminder_failures_total
  dues_charges_marked_overdue_total
  dues_reminder_threshold            gauge, last computed threshold
  dues_sweep_duration_seconds        histogram, label sweep
  dues_http_requests_total           labels method, route, status

Each Recorder owns its registry so tests and multiple engines never collide
on the global one.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/dues-engine/dues"
)

const namespace = "dues"

type Recorder struct {
	registry *prometheus.Registry

	materializationSweeps prometheus.Counter
	plansMaterialized     prometheus.Counter
	planFailures          prometheus.Counter
	chargesCreated        prometheus.Counter

	reminderSweeps   prometheus.Counter
	remindersSent    prometheus.Counter
	remindersSkipped prometheus.Counter
	reminderFailures prometheus.Counter
	chargesOverdue   prometheus.Counter
	threshold        prometheus.Gauge

	sweepDuration *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		materializationSweeps: counter("materialization_sweeps_total", "Materialization sweeps completed."),
		plansMaterialized:     counter("plans_materialized_total", "Plans materialized by sweeps."),
		planFailures:          counter("plan_failures_total", "Plans that failed materialization after retry."),
		chargesCreated:        counter("charges_created_total", "Member charges created by sweeps."),

		reminderSweeps:   counter("reminder_sweeps_total", "Reminder sweeps completed."),
		remindersSent:    counter("reminders_sent_total", "Reminders dispatched."),
		remindersSkipped: counter("reminders_skipped_cooldown_total", "Eligible members skipped by the cooldown."),
		reminderFailures: counter("reminder_failures_total", "Members whose reminder failed."),
		chargesOverdue:   counter("charges_marked_overdue_total", "Charges moved to overdue."),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reminder_threshold",
			Help: "Debt threshold used by the last reminder sweep.",
		}),

		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Sweep wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
	}
	r.registry.MustRegister(
		r.materializationSweeps, r.plansMaterialized, r.planFailures, r.chargesCreated,
		r.reminderSweeps, r.remindersSent, r.remindersSkipped, r.reminderFailures,
		r.chargesOverdue, r.threshold, r.sweepDuration, r.httpRequests,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) MaterializationCompleted(s dues.MaterializationSummary, elapsed time.Duration) {
	r.materializationSweeps.Inc()
	r.plansMaterialized.Add(float64(s.PlansMaterialized))
	r.planFailures.Add(float64(len(s.Failures)))
	r.chargesCreated.Add(float64(s.ChargesCreated))
	r.sweepDuration.WithLabelValues("materialization").Observe(elapsed.Seconds())
}

func (r *Recorder) ReminderSweepCompleted(s dues.ReminderSummary, elapsed time.Duration) {
	r.reminderSweeps.Inc()
	r.remindersSent.Add(float64(s.RemindersSent))
	r.remindersSkipped.Add(float64(s.RemindersSkippedCooldown))
	r.reminderFailures.Add(float64(len(s.Failures)))
	r.chargesOverdue.Add(float64(s.ChargesMarkedOverdue))
	r.threshold.Set(s.Threshold.InexactFloat64())
	r.sweepDuration.WithLabelValues("reminders").Observe(elapsed.Seconds())
}

// Middleware counts requests by chi route pattern, not raw path.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
	})
}

var _ dues.SweepObserver = (*Recorder)(nil)
