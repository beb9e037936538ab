// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting engine activity. A nil
// *Metrics is a no-op, so callers never have to guard instrumentation
// sites.
type Metrics struct {
	executionsTotal     *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	executionsActive    prometheus.Gauge
	stepsTotal          *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	stepRetriesTotal    *prometheus.CounterVec
	eventsTotal         *prometheus.CounterVec
	agentFailoversTotal prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level instance registered with the
// global Prometheus registry. Collectors are created once so repeated
// engine construction (tests, multi-tenant runners) cannot trigger
// duplicate registration panics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance against the provided
// registerer. Pass a fresh registry in tests. Registration errors other
// than AlreadyRegistered panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_executions_total",
				Help:      "Workflow executions by terminal status.",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_execution_duration_seconds",
				Help:      "Wall-clock duration of workflow executions.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_executions_active",
				Help:      "Workflow executions currently in flight.",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_steps_total",
				Help:      "Step executions by type and terminal status.",
			},
			[]string{"step_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_step_duration_seconds",
				Help:      "Wall-clock duration of step executions.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		stepRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "workflow_step_retries_total",
				Help:      "Step execution retry attempts.",
			},
			[]string{"step_type"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "events_published_total",
				Help:      "Events published to the broadcast channel.",
			},
			[]string{"event_type"},
		),
		agentFailoversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "forgeflow",
				Subsystem: "orchestrator",
				Name:      "agent_failovers_total",
				Help:      "Agent step executions reassigned after a failure.",
			},
		),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}

	m.executionsTotal = register(m.executionsTotal).(*prometheus.CounterVec)
	m.executionDuration = register(m.executionDuration).(*prometheus.HistogramVec)
	m.executionsActive = register(m.executionsActive).(prometheus.Gauge)
	m.stepsTotal = register(m.stepsTotal).(*prometheus.CounterVec)
	m.stepDuration = register(m.stepDuration).(*prometheus.HistogramVec)
	m.stepRetriesTotal = register(m.stepRetriesTotal).(*prometheus.CounterVec)
	m.eventsTotal = register(m.eventsTotal).(*prometheus.CounterVec)
	m.agentFailoversTotal = register(m.agentFailoversTotal).(prometheus.Counter)

	return m
}

// ExecutionStarted marks an execution as in flight.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsActive.Inc()
}

// ExecutionFinished records a terminal execution.
func (m *Metrics) ExecutionFinished(status ExecutionStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
	m.executionsTotal.WithLabelValues(string(status)).Inc()
	m.executionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// StepFinished records a terminal step execution.
func (m *Metrics) StepFinished(stepType StepType, status StepStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(stepType), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(stepType)).Observe(duration.Seconds())
}

// StepRetried records a retry attempt for a step.
func (m *Metrics) StepRetried(stepType StepType) {
	if m == nil {
		return
	}
	m.stepRetriesTotal.WithLabelValues(string(stepType)).Inc()
}

// EventPublished records a broadcast event.
func (m *Metrics) EventPublished(eventType EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

// AgentFailover records a reassignment after an agent failure.
func (m *Metrics) AgentFailover() {
	if m == nil {
		return
	}
	m.agentFailoversTotal.Inc()
}
