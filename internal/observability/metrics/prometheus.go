// Package metrics provides Prometheus metrics for the NDC engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-ndc/internal/advisory"
	"github.com/drfirst/go-ndc/internal/resolver"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	Calculations        *prometheus.CounterVec
	CalculationDuration prometheus.Histogram
	ResolverStrategies  *prometheus.CounterVec
	AdvisoryOutcomes    *prometheus.CounterVec
	UpstreamRetries     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	OutboxPublished     *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
}

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_calculations_total",
			Help: "Calculations by outcome (success or error code)",
		}, []string{"outcome"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ndc_calculation_duration_seconds",
			Help:    "End to end calculation duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ResolverStrategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_resolver_strategy_total",
			Help: "Name resolution attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		AdvisoryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_advisory_outcomes_total",
			Help: "Recommendations by how they were produced",
		}, []string{"outcome"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_upstream_retries_total",
			Help: "Retried upstream calls",
		}, []string{"service"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ndc_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_outbox_published_total",
			Help: "Outbox entries relayed to the broker",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ndc_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	reg.MustRegister(
		m.Calculations,
		m.CalculationDuration,
		m.ResolverStrategies,
		m.AdvisoryOutcomes,
		m.UpstreamRetries,
		m.CircuitBreakerState,
		m.OutboxPublished,
		m.OutboxPending,
	)
	return m
}

// ObserveCalculation matches engine.Engine.Observe
func (m *Metrics) ObserveCalculation(outcome string, elapsed time.Duration) {
	m.Calculations.WithLabelValues(outcome).Inc()
	m.CalculationDuration.Observe(elapsed.Seconds())
}

// ObserveStrategy matches resolver.Observer
func (m *Metrics) ObserveStrategy(strategy resolver.Strategy, outcome string) {
	m.ResolverStrategies.WithLabelValues(string(strategy), outcome).Inc()
}

// ObserveAdvisory matches advisory.Recommender.OnOutcome
func (m *Metrics) ObserveAdvisory(o advisory.Outcome) {
	m.AdvisoryOutcomes.WithLabelValues(string(o)).Inc()
}

// ObserveRetry matches retry.RetryHook
func (m *Metrics) ObserveRetry(service string, attempt int, err error) {
	m.UpstreamRetries.WithLabelValues(service).Inc()
}

// ObserveBreaker matches circuitbreaker.Manager.OnStateChange
func (m *Metrics) ObserveBreaker(name string, from, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObservePublish matches postgres.Relay.OnPublish
func (m *Metrics) ObservePublish(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboxPublished.WithLabelValues(topic, result).Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
