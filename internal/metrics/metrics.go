// Package metrics provides the Prometheus collectors for the scenario API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. Each instance owns its registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	VersionsCreated      *prometheus.CounterVec
	BranchesMerged       prometheus.Counter
	VersionsRestored     prometheus.Counter
	CollaborationsOpened *prometheus.CounterVec
	SideEffectFailures   *prometheus.CounterVec

	ReasoningCalls    *prometheus.CounterVec
	ReasoningDuration *prometheus.HistogramVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		VersionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenariolab_versions_created_total",
			Help: "Versions written to the ledger, by change type and lineage.",
		}, []string{"change_type", "lineage"}),
		BranchesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "scenariolab_branches_merged_total",
			Help: "Branch versions promoted to mainline.",
		}),
		VersionsRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "scenariolab_versions_restored_total",
			Help: "Rollbacks performed by re-creating an older version.",
		}),
		CollaborationsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenariolab_collaborations_opened_total",
			Help: "Comments and edit proposals created.",
		}, []string{"type"}),
		SideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenariolab_side_effect_failures_total",
			Help: "Best-effort side effects that failed and were swallowed.",
		}, []string{"kind"}),
		ReasoningCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenariolab_reasoning_calls_total",
			Help: "Calls to the reasoning service, by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		ReasoningDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenariolab_reasoning_duration_seconds",
			Help:    "Latency of reasoning service calls.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"purpose"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenariolab_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenariolab_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReasoning records one reasoning call. Nil receivers are ignored so
// components can run without metrics.
func (m *Metrics) ObserveReasoning(purpose, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReasoningCalls.WithLabelValues(purpose, outcome).Inc()
	m.ReasoningDuration.WithLabelValues(purpose).Observe(elapsed.Seconds())
}

func (m *Metrics) VersionCreated(changeType string, branch bool) {
	if m == nil {
		return
	}
	lineage := "mainline"
	if branch {
		lineage = "branch"
	}
	m.VersionsCreated.WithLabelValues(changeType, lineage).Inc()
}

func (m *Metrics) SideEffectFailed(kind string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) BranchMerged() {
	if m == nil {
		return
	}
	m.BranchesMerged.Inc()
}

func (m *Metrics) VersionRestored() {
	if m == nil {
		return
	}
	m.VersionsRestored.Inc()
}

func (m *Metrics) CollaborationOpened(kind string) {
	if m == nil {
		return
	}
	m.CollaborationsOpened.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
