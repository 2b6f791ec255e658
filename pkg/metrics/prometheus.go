package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	callsTotal      *prometheus.CounterVec
	callAttempts    *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	agentsTotal     *prometheus.CounterVec
	agentScore      *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors on a dedicated registry.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	register := func(c prometheus.Collector) {
		registry.MustRegister(c)
	}

	p := &PrometheusRecorder{
		registry: registry,
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_attempts_total",
				Help:      "Requests sent to the generative-text endpoint by model and status class",
			},
			[]string{"model", "status"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_attempt_duration_seconds",
				Help:      "Duration of single endpoint requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_retries_total",
				Help:      "Retries scheduled after transient failures",
			},
			[]string{"model", "status"},
		),
		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_retry_delay_seconds",
				Help:      "Backoff wait before a retry in seconds",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"model"},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Completed attempt sequences by failure mode and outcome",
			},
			[]string{"model", "mode", "outcome"},
		),
		callAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_call_attempts",
				Help:      "Attempts used per call",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
			[]string{"model"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Tokens used in successful calls",
			},
			[]string{"model", "type"},
		),
		agentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grading_agents_total",
				Help:      "Grading agent runs by agent and final state",
			},
			[]string{"agent", "state"},
		),
		agentScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "grading_agent_score",
				Help:      "Scores reported by grading agents",
				Buckets:   prometheus.LinearBuckets(10, 10, 10),
			},
			[]string{"agent"},
		),
	}

	register(p.attemptsTotal)
	register(p.attemptDuration)
	register(p.retriesTotal)
	register(p.retryDelay)
	register(p.callsTotal)
	register(p.callAttempts)
	register(p.tokensTotal)
	register(p.agentsTotal)
	register(p.agentScore)

	return p
}

// Registry exposes the underlying registry, e.g. for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveAttempt(model, status string, duration time.Duration) {
	p.attemptsTotal.WithLabelValues(model, status).Inc()
	p.attemptDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveRetry(model, status string, delay time.Duration) {
	p.retriesTotal.WithLabelValues(model, status).Inc()
	p.retryDelay.WithLabelValues(model).Observe(delay.Seconds())
}

func (p *PrometheusRecorder) ObserveCall(model, mode, outcome string, attempts int) {
	p.callsTotal.WithLabelValues(model, mode, outcome).Inc()
	p.callAttempts.WithLabelValues(model).Observe(float64(attempts))
}

func (p *PrometheusRecorder) ObserveTokens(model string, promptTokens, completionTokens int) {
	p.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	p.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// ObserveAgent counts the run; only non-degraded runs contribute to the score histogram.
func (p *PrometheusRecorder) ObserveAgent(agent, state string, score int) {
	p.agentsTotal.WithLabelValues(agent, state).Inc()
	if state == "succeeded" {
		p.agentScore.WithLabelValues(agent).Observe(float64(score))
	}
}
