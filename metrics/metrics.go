// Package metrics holds the Prometheus collectors for the points engine and
// implements points.Recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/points-engine/points"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	Redemptions        *prometheus.CounterVec
	RedeemedPoints     prometheus.Counter
	AffiliateDecisions *prometheus.CounterVec
	EntryTransitions   *prometheus.CounterVec
	DisputeTransitions *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		Redemptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "points_redemptions_total",
				Help: "Redemption attempts by outcome",
			},
			[]string{"outcome"}, // redeemed, replayed, insufficient, failed
		),
		RedeemedPoints: f.NewCounter(prometheus.CounterOpts{
			Name: "points_redeemed_points_total",
			Help: "Points reserved by successful redemptions",
		}),
		AffiliateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "points_affiliate_events_total",
				Help: "Affiliate events by action",
			},
			[]string{"action"}, // ingested, approved, rejected
		),
		EntryTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "points_ledger_transitions_total",
				Help: "Ledger entry status changes by target status",
			},
			[]string{"status"},
		),
		DisputeTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "points_dispute_transitions_total",
				Help: "Dispute status changes by target status",
			},
			[]string{"status"},
		),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"}, // redis, memory
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// points.Recorder
// =============================================================================

func (m *Metrics) Redemption(outcome string, pts int64) {
	m.Redemptions.WithLabelValues(outcome).Inc()
	if outcome == points.OutcomeRedeemed {
		m.RedeemedPoints.Add(float64(pts))
	}
}

func (m *Metrics) AffiliateDecision(action string) {
	m.AffiliateDecisions.WithLabelValues(action).Inc()
}

func (m *Metrics) EntryTransition(to points.EntryStatus) {
	m.EntryTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) DisputeTransition(to points.DisputeStatus) {
	m.DisputeTransitions.WithLabelValues(string(to)).Inc()
}

// CacheHit and CacheMiss satisfy the cache package's observer.
func (m *Metrics) CacheHit(cacheType string)  { m.CacheHits.WithLabelValues(cacheType).Inc() }
func (m *Metrics) CacheMiss(cacheType string) { m.CacheMisses.WithLabelValues(cacheType).Inc() }

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

// Middleware records request count and latency labelled by the chi route
// pattern, which keeps cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var _ points.Recorder = (*Metrics)(nil)
