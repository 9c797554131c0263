package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
)

// Metrics holds the Prometheus instruments for the engine. It implements
// both the gateway and engine observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	modelRequests *prometheus.CounterVec
	modelLatency  *prometheus.HistogramVec
	modelTokens   *prometheus.CounterVec
	modelCostUSD  *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter

	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stageOutcomes *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New creates and registers the engine's instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statengine_model_requests_total",
			Help: "Model invocations by class, model, and result.",
		}, []string{"class", "model", "result"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statengine_model_latency_seconds",
			Help:    "Model invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"class", "model"}),
		modelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statengine_model_tokens_total",
			Help: "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),
		modelCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statengine_model_cost_usd_total",
			Help: "Estimated model spend in USD.",
		}, []string{"model"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statengine_cache_hits_total",
			Help: "Model responses served from the cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statengine_cache_misses_total",
			Help: "Model invocations that missed the cache.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statengine_jobs_finished_total",
			Help: "Jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statengine_job_duration_seconds",
			Help:    "End-to-end job duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statengine_stage_outcomes_total",
			Help: "Stage executions by name and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statengine_stage_duration_seconds",
			Help:    "Per-stage duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.modelRequests, m.modelLatency, m.modelTokens, m.modelCostUSD,
		m.cacheHits, m.cacheMisses,
		m.jobsFinished, m.jobDuration, m.stageOutcomes, m.stageDuration,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInvoke records one gateway invocation.
func (m *Metrics) ObserveInvoke(class, modelID string, resp *gateway.Response, err error) {
	if err != nil {
		m.modelRequests.WithLabelValues(class, modelID, "error").Inc()
		return
	}
	if resp.FromCache {
		m.modelRequests.WithLabelValues(class, modelID, "cached").Inc()
		m.cacheHits.Inc()
		return
	}
	m.modelRequests.WithLabelValues(class, modelID, "ok").Inc()
	m.cacheMisses.Inc()
	m.modelLatency.WithLabelValues(class, modelID).Observe(resp.Latency.Seconds())
	m.modelTokens.WithLabelValues(modelID, "input").Add(float64(resp.Usage.InputTokens))
	m.modelTokens.WithLabelValues(modelID, "output").Add(float64(resp.Usage.OutputTokens))
	m.modelCostUSD.WithLabelValues(modelID).Add(resp.CostUSD)
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(status model.JobStatus, duration time.Duration) {
	m.jobsFinished.WithLabelValues(string(status)).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(name string, outcome model.StageOutcome, duration time.Duration) {
	m.stageOutcomes.WithLabelValues(name, string(outcome)).Inc()
	m.stageDuration.WithLabelValues(name).Observe(duration.Seconds())
}
