// Package metrics exposes login lifecycle and HTTP counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/domosclub/clubauth/pkg/auth"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clubauth"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

var _ auth.Recorder = (*Recorder)(nil)

// Recorder implements auth.Recorder and the HTTP and bot hooks on top of
// Prometheus collectors.
type Recorder struct {
	tokenTransitions *prometheus.CounterVec
	codeOutcomes     *prometheus.CounterVec
	codeDeliveries   *prometheus.CounterVec
	botUpdates       *prometheus.CounterVec
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	gatherer         prometheus.Gatherer
}

// New creates a recorder and registers its collectors with reg. Collectors
// already registered by an earlier recorder are reused.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		tokenTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_transitions_total",
			Help:      "Login token status transitions by target status",
		}, []string{"to"}),
		codeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_outcomes_total",
			Help:      "Phone code verification outcomes",
		}, []string{"outcome"}),
		codeDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_deliveries_total",
			Help:      "Phone code deliveries through the bot",
		}, []string{"result"}),
		botUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "updates_total",
			Help:      "Telegram updates handled by the bot worker",
		}, []string{"kind"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses by limiter group",
		}, []string{"limiter"}),
	}

	r.gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		r.gatherer = g
	}

	r.tokenTransitions = registerCounter(reg, r.tokenTransitions)
	r.codeOutcomes = registerCounter(reg, r.codeOutcomes)
	r.codeDeliveries = registerCounter(reg, r.codeDeliveries)
	r.botUpdates = registerCounter(reg, r.botUpdates)
	r.requestTotal = registerCounter(reg, r.requestTotal)
	r.rateLimitHits = registerCounter(reg, r.rateLimitHits)
	if err := reg.Register(r.requestLatency); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				r.requestLatency = existing
			}
		}
	}
	return r
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Recorder) TokenTransition(to domain.TokenStatus) {
	r.tokenTransitions.WithLabelValues(string(to)).Inc()
}

func (r *Recorder) CodeOutcome(outcome string) {
	r.codeOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) CodeDelivery(delivered bool) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	r.codeDeliveries.WithLabelValues(result).Inc()
}

// BotUpdate counts an update handled by the bot worker.
func (r *Recorder) BotUpdate(kind string) {
	r.botUpdates.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Request records a completed HTTP request.
func (r *Recorder) Request(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

// RateLimitHit records a response rejected by the named limiter.
func (r *Recorder) RateLimitHit(limiter string) {
	r.rateLimitHits.WithLabelValues(limiter).Inc()
}
