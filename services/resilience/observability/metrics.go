// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the resilience engine.
//
// # Description
//
// Prometheus metrics cover every stage of the pipeline: ledger appends,
// governance verdicts, mesh delivery, anomaly lifecycle, playbook steps,
// chaos cycles, and synthesized decisions. They are exposed on /metrics.
//
// A nil *Metrics is valid and records nothing, so components can be
// constructed in tests without a registry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "resilience"

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	// LedgerAppends counts appended entries. Labels: subsystem
	LedgerAppends *prometheus.CounterVec

	// LedgerHalted is 1 while the ledger refuses appends.
	LedgerHalted prometheus.Gauge

	// GovernanceVerdicts counts verdicts. Labels: decision
	GovernanceVerdicts *prometheus.CounterVec

	// MeshEvents counts publish outcomes.
	// Labels: outcome (delivered, denied, pending, invalid, duplicate, expired)
	MeshEvents *prometheus.CounterVec

	// MeshHandlerFailures counts subscriber handler failures.
	MeshHandlerFailures prometheus.Counter

	// Anomalies counts anomaly state transitions. Labels: type, state
	Anomalies *prometheus.CounterVec

	// PlaybookSteps counts step outcomes. Labels: primitive, status
	PlaybookSteps *prometheus.CounterVec

	// PlaybookDuration measures whole playbook runs. Labels: outcome
	PlaybookDuration *prometheus.HistogramVec

	// ChaosCycles counts chaos incidents. Labels: outcome
	ChaosCycles *prometheus.CounterVec

	// ChaosGateLatency measures time from injection to gate pass. Labels: gate
	ChaosGateLatency *prometheus.HistogramVec

	// Decisions counts synthesized decisions. Labels: action
	Decisions *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
//
// # Inputs
//   - reg: Registerer receiving the collectors. Must not be nil.
//
// # Outputs
//   - *Metrics: The registered collectors.
//
// # Limitations
//   - Panics if the same registerer already holds these collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Total ledger entries appended by subsystem",
		}, []string{"subsystem"}),

		LedgerHalted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "halted",
			Help:      "1 while the ledger refuses appends pending operator acknowledgement",
		}),

		GovernanceVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "governance",
			Name:      "verdicts_total",
			Help:      "Total governance verdicts by decision",
		}, []string{"decision"}),

		MeshEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "events_total",
			Help:      "Total published events by outcome",
		}, []string{"outcome"}),

		MeshHandlerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mesh",
			Name:      "handler_failures_total",
			Help:      "Total subscriber handler failures",
		}),

		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "detector",
			Name:      "anomalies_total",
			Help:      "Total anomaly state transitions by type and state",
		}, []string{"type", "state"}),

		PlaybookSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "playbook",
			Name:      "steps_total",
			Help:      "Total playbook step outcomes by primitive and status",
		}, []string{"primitive", "status"}),

		PlaybookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "playbook",
			Name:      "duration_seconds",
			Help:      "Playbook execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"outcome"}),

		ChaosCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chaos",
			Name:      "cycles_total",
			Help:      "Total chaos incidents by outcome",
		}, []string{"outcome"}),

		ChaosGateLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chaos",
			Name:      "gate_latency_seconds",
			Help:      "Time from fault injection to gate pass in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"gate"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "decision",
			Name:      "decisions_total",
			Help:      "Total synthesized decisions by action",
		}, []string{"action"}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAppend records a ledger append.
func (m *Metrics) RecordAppend(subsystem string) {
	if m == nil {
		return
	}
	m.LedgerAppends.WithLabelValues(subsystem).Inc()
}

// SetLedgerHalted sets the halted gauge.
func (m *Metrics) SetLedgerHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.LedgerHalted.Set(1)
	} else {
		m.LedgerHalted.Set(0)
	}
}

// RecordVerdict records a governance decision.
func (m *Metrics) RecordVerdict(decision string) {
	if m == nil {
		return
	}
	m.GovernanceVerdicts.WithLabelValues(decision).Inc()
}

// RecordEvent records a mesh publish outcome.
func (m *Metrics) RecordEvent(outcome string) {
	if m == nil {
		return
	}
	m.MeshEvents.WithLabelValues(outcome).Inc()
}

// RecordHandlerFailure records an isolated subscriber failure.
func (m *Metrics) RecordHandlerFailure() {
	if m == nil {
		return
	}
	m.MeshHandlerFailures.Inc()
}

// RecordAnomaly records an anomaly entering state.
func (m *Metrics) RecordAnomaly(anomalyType, state string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(anomalyType, state).Inc()
}

// RecordStep records a playbook step outcome.
func (m *Metrics) RecordStep(primitive, status string) {
	if m == nil {
		return
	}
	m.PlaybookSteps.WithLabelValues(primitive, status).Inc()
}

// RecordPlaybook records a playbook duration.
func (m *Metrics) RecordPlaybook(seconds float64, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	m.PlaybookDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordChaosCycle records a closed chaos incident.
func (m *Metrics) RecordChaosCycle(outcome string) {
	if m == nil {
		return
	}
	m.ChaosCycles.WithLabelValues(outcome).Inc()
}

// RecordGateLatency records the time a gate took to pass.
func (m *Metrics) RecordGateLatency(gate string, seconds float64) {
	if m == nil {
		return
	}
	m.ChaosGateLatency.WithLabelValues(gate).Observe(seconds)
}

// RecordDecision records a synthesized decision.
func (m *Metrics) RecordDecision(action string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
}
