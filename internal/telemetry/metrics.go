// Package telemetry exposes Prometheus metrics for chain execution,
// resilience and safety decisions. Metrics are fed from the callback bus so
// the engine stays free of instrumentation concerns.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Metrics holds all chainkit collectors registered on a single registry.
type Metrics struct {
	registry *prometheus.Registry

	chainRuns       *prometheus.CounterVec
	stepOutcomes    *prometheus.CounterVec
	stepRetries     prometheus.Counter
	circuitEvents   *prometheus.CounterVec
	safetyDecisions *prometheus.CounterVec
	serviceUp       *prometheus.GaugeVec
	eventsTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors under the given namespace on a fresh
// registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		chainRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_runs_total",
			Help:      "Chain executions by terminal status",
		}, []string{"status"}),
		stepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_outcomes_total",
			Help:      "Step outcomes by terminal status",
		}, []string{"status"}),
		stepRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts",
		}),
		circuitEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"state"}),
		safetyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_decisions_total",
			Help:      "Safety gate outcomes",
		}, []string{"decision"}),
		serviceUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Service health (1 healthy, 0.5 degraded, 0 down)",
		}, []string{"service"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events observed by type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe maps a bus event onto the collectors.
func (m *Metrics) Observe(ev schema.Event) {
	m.eventsTotal.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case schema.EventChainSucceeded:
		m.chainRuns.WithLabelValues(string(schema.ChainStatusSucceeded)).Inc()
	case schema.EventChainPartial:
		m.chainRuns.WithLabelValues(string(schema.ChainStatusPartiallyFailed)).Inc()
	case schema.EventChainFailed:
		m.chainRuns.WithLabelValues(string(schema.ChainStatusFailed)).Inc()
	case schema.EventChainCancelled:
		m.chainRuns.WithLabelValues(string(schema.ChainStatusCancelled)).Inc()

	case schema.EventStepSucceeded:
		m.stepOutcomes.WithLabelValues(string(schema.StepStatusSucceeded)).Inc()
	case schema.EventStepFailed:
		m.stepOutcomes.WithLabelValues(string(schema.StepStatusFailed)).Inc()
	case schema.EventStepSkipped:
		m.stepOutcomes.WithLabelValues(string(schema.StepStatusSkipped)).Inc()
	case schema.EventStepCancelled:
		m.stepOutcomes.WithLabelValues(string(schema.StepStatusCancelled)).Inc()
	case schema.EventStepRetrying:
		m.stepRetries.Inc()

	case schema.EventCircuitOpen:
		m.circuitEvents.WithLabelValues("open").Inc()
	case schema.EventCircuitHalfOpen:
		m.circuitEvents.WithLabelValues("half_open").Inc()
	case schema.EventCircuitClosed:
		m.circuitEvents.WithLabelValues("closed").Inc()

	case schema.EventSafetyDenied:
		m.safetyDecisions.WithLabelValues("denied").Inc()
	case schema.EventStepSimulated:
		m.safetyDecisions.WithLabelValues("simulated").Inc()
	case schema.EventEmergencyStop:
		m.safetyDecisions.WithLabelValues("emergency_stop").Inc()

	case schema.EventServiceRestored:
		m.setServiceGauge(ev, 1)
	case schema.EventServiceDegraded:
		m.setServiceGauge(ev, 0.5)
	case schema.EventServiceDown:
		m.setServiceGauge(ev, 0)
	}
}

func (m *Metrics) setServiceGauge(ev schema.Event, value float64) {
	service, _ := serviceFromDetail(ev.Detail)
	if service == "" {
		return
	}
	m.serviceUp.WithLabelValues(service).Set(value)
}

func serviceFromDetail(detail any) (string, bool) {
	d, ok := detail.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := d["service"].(string)
	return s, ok
}

// Run consumes a bus subscription channel until it closes or the context is
// cancelled. Intended to run in its own goroutine.
func (m *Metrics) Run(ctx context.Context, events <-chan schema.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
