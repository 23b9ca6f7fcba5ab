// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability collects metrics, traces and alerts for the
// orchestration core.
//
// Recording is best-effort: nothing in this package may propagate a
// failure into business logic. An internal failure is swallowed and
// counted in the dropped-events counter instead.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus mirror of the in-process metric store
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costpilot_requests_total",
			Help: "Total orchestration requests processed",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costpilot_request_duration_milliseconds",
			Help:    "Orchestration request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"topology"},
	)
	promAgentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costpilot_agent_invocations_total",
			Help: "Specialist agent invocations by agent and status",
		},
		[]string{"agent", "status"},
	)
	promBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costpilot_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"dependency", "to_state"},
	)
	promSafetyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costpilot_safety_violations_total",
			Help: "Safety pipeline violations by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	promAlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costpilot_alerts_fired_total",
			Help: "Alerts fired by severity",
		},
		[]string{"severity"},
	)
	promDroppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "costpilot_observability_dropped_total",
			Help: "Observability events dropped due to internal failures",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promAgentCalls)
	prometheus.MustRegister(promBreakerTransitions)
	prometheus.MustRegister(promSafetyViolations)
	prometheus.MustRegister(promAlertsFired)
	prometheus.MustRegister(promDroppedEvents)
}

// Core bundles the metric store, tracer and alert manager behind the
// recording surface the rest of the system uses
type Core struct {
	store  *MetricStore
	tracer *Tracer
	alerts *AlertManager

	dropped atomic.Uint64
	stop    chan struct{}
}

// CoreConfig tunes the observability core
type CoreConfig struct {
	Metrics            MetricStoreConfig
	MaxCompletedTraces int
	SweepInterval      time.Duration
	AlertRules         []AlertRule
	EvaluationInterval time.Duration
}

// DefaultCoreConfig returns production defaults
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Metrics:            DefaultMetricStoreConfig(),
		MaxCompletedTraces: 256,
		SweepInterval:      time.Minute,
		AlertRules:         DefaultAlertRules(),
		EvaluationInterval: 15 * time.Second,
	}
}

// NewCore creates the observability core and starts its background
// sweeper and alert evaluator
func NewCore(config CoreConfig) *Core {
	core := &Core{
		store:  NewMetricStore(config.Metrics),
		tracer: NewTracer(config.MaxCompletedTraces),
		alerts: NewAlertManager(config.AlertRules),
		stop:   make(chan struct{}),
	}

	core.store.StartSweeper(config.SweepInterval, core.stop)

	interval := config.EvaluationInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go core.alertLoop(interval)

	return core
}

// Close stops background goroutines
func (c *Core) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// RecordMetric appends a metric. Never panics or blocks the caller.
func (c *Core) RecordMetric(name string, value float64, kind MetricKind, labels map[string]string) {
	defer c.recoverDropped()
	c.store.Record(Metric{Name: name, Value: value, Kind: kind, Labels: labels})
}

// ObserveRequest records a completed orchestration request in both the
// store and the prometheus mirror
func (c *Core) ObserveRequest(status, topology string, duration time.Duration) {
	defer c.recoverDropped()

	ms := float64(duration.Microseconds()) / 1000.0
	c.store.Record(Metric{Name: MetricRequests, Value: 1, Kind: KindCounter, Labels: map[string]string{"status": status}})
	c.store.Record(Metric{Name: MetricRequestLatency, Value: ms, Kind: KindTimer, Labels: map[string]string{"topology": topology}})
	promRequestsTotal.WithLabelValues(status).Inc()
	promRequestDuration.WithLabelValues(topology).Observe(ms)
}

// ObserveAgentCall records a specialist agent invocation
func (c *Core) ObserveAgentCall(agent, status string, duration time.Duration) {
	defer c.recoverDropped()

	ms := float64(duration.Microseconds()) / 1000.0
	c.store.Record(Metric{Name: MetricAgentCalls, Value: 1, Kind: KindCounter, Labels: map[string]string{"agent": agent, "status": status}})
	c.store.Record(Metric{Name: MetricAgentLatency, Value: ms, Kind: KindTimer, Labels: map[string]string{"agent": agent}})
	promAgentCalls.WithLabelValues(agent, status).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change and
// refreshes the open-breaker gauge
func (c *Core) ObserveBreakerTransition(dependency, toState string, openCount int) {
	defer c.recoverDropped()

	c.store.Record(Metric{Name: MetricBreakersOpen, Value: float64(openCount), Kind: KindGauge})
	promBreakerTransitions.WithLabelValues(dependency, toState).Inc()
}

// ObserveSafetyViolation counts a safety finding
func (c *Core) ObserveSafetyViolation(kind, severity string) {
	defer c.recoverDropped()

	c.store.Record(Metric{Name: MetricSafetyFindings, Value: 1, Kind: KindCounter, Labels: map[string]string{"kind": kind, "severity": severity}})
	promSafetyViolations.WithLabelValues(kind, severity).Inc()
}

// StartSpan opens a span; empty traceID starts a new trace
func (c *Core) StartSpan(traceID, operationName string, parent *SpanHandle) SpanHandle {
	defer c.recoverDropped()
	return c.tracer.StartSpan(traceID, operationName, parent)
}

// FinishSpan closes a span
func (c *Core) FinishSpan(h SpanHandle, status SpanStatus, tags map[string]string) {
	defer c.recoverDropped()
	c.tracer.FinishSpan(h, status, tags)
}

// EvaluateAlerts runs the rule set against the current aggregated
// snapshot and returns newly fired alerts
func (c *Core) EvaluateAlerts() []Alert {
	defer c.recoverDropped()

	snap := c.store.AggregateSnapshot()
	snap.DroppedEvents = int(c.dropped.Load())
	fired := c.alerts.Evaluate(snap)
	for _, a := range fired {
		promAlertsFired.WithLabelValues(string(a.Severity)).Inc()
		c.store.Record(Metric{Name: MetricAlertsFired, Value: 1, Kind: KindCounter, Labels: map[string]string{"severity": string(a.Severity)}})
	}
	return fired
}

// alertLoop periodically evaluates alert rules
func (c *Core) alertLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.EvaluateAlerts()
		case <-c.stop:
			return
		}
	}
}

// DroppedEvents returns the count of swallowed internal failures
func (c *Core) DroppedEvents() uint64 {
	return c.dropped.Load()
}

// recoverDropped swallows a panic on the recording path and counts it
func (c *Core) recoverDropped() {
	if r := recover(); r != nil {
		c.dropped.Add(1)
		promDroppedEvents.Inc()
	}
}

// Snapshot is the read-only view exposed to the presentation layer
type Snapshot struct {
	Metrics      []MetricSummary `json:"metrics"`
	Aggregated   MetricsSnapshot `json:"aggregated"`
	ActiveAlerts []Alert         `json:"active_alerts"`
	RecentTraces []TraceSummary  `json:"recent_traces"`
}

// Snapshot assembles the current observability view
func (c *Core) Snapshot() Snapshot {
	snap := c.store.AggregateSnapshot()
	snap.DroppedEvents = int(c.dropped.Load())
	return Snapshot{
		Metrics:      c.store.Summaries(),
		Aggregated:   snap,
		ActiveAlerts: c.alerts.ActiveAlerts(),
		RecentTraces: c.tracer.CompletedTraces(20),
	}
}
