package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the Prometheus collectors exported by the order core. A nil
// Recorder is valid and records nothing.
type Recorder struct {
	useCaseRequests  *prometheus.CounterVec
	useCaseDurations *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	reservations     *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	authChecks       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDurations    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		useCaseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usecase_requests_total",
			Help: "Total number of use case invocations.",
		}, []string{"use_case", "outcome"}),
		useCaseDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usecase_duration_seconds",
			Help:    "Duration of use case execution in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"use_case"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order status transitions applied.",
		}, []string{"from", "to"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Inventory reservation attempts by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Payment processor webhook deliveries by type and outcome.",
		}, []string{"type", "outcome"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_event_publish_failed_total",
			Help: "Count of order-related event publish failures.",
		}, []string{"event"}),
		authChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_verifications_total",
			Help: "Admin token and request signature checks by scheme and outcome.",
		}, []string{"scheme", "result", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		return r, nil
	}
	for _, c := range []prometheus.Collector{
		r.useCaseRequests, r.useCaseDurations, r.transitions, r.reservations,
		r.webhookEvents, r.publishFailures, r.authChecks, r.httpRequests, r.httpDurations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AuthVerification counts one authentication check.
func (r *Recorder) AuthVerification(scheme string, ok bool, reason string) {
	if r == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	r.authChecks.WithLabelValues(scheme, result, reason).Inc()
}

// ObserveUseCase records one invocation of a service operation.
func (r *Recorder) ObserveUseCase(useCase, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.useCaseRequests.WithLabelValues(useCase, outcome).Inc()
	r.useCaseDurations.WithLabelValues(useCase).Observe(elapsed.Seconds())
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Reservation(outcome string) {
	if r == nil {
		return
	}
	r.reservations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) WebhookEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (r *Recorder) EventPublishFailed(event string) {
	if r == nil {
		return
	}
	r.publishFailures.WithLabelValues(event).Inc()
}

// Middleware records request counts and latency labelled by chi route pattern to
// keep label cardinality bounded.
func (r *Recorder) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, req)

			route := "unmatched"
			if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(sw.status)).Inc()
			r.httpDurations.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
