// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
)

// MetricSource is what the sampler polls.
type MetricSource interface {
	Resources() []string
	Sample(resource string) (map[string]float64, error)
}

// Publisher is the slice of the mesh the sampler needs.
type Publisher interface {
	Publish(ctx context.Context, e mesh.Event) (governance.Verdict, error)
}

// Rule turns one metric into an anomaly signal.
//
// Relative rules fire when the value reaches max(baseline*k, Floor).
// Absolute rules fire when the value reaches Floor.
type Rule struct {
	Metric   string
	Type     AnomalyType
	Floor    float64
	Absolute bool
	// SuppressedBy names another metric whose rule, when breaching,
	// explains this one and silences it.
	SuppressedBy string
}

// DefaultRules covers the workload metrics. heartbeatTimeout sets the
// heartbeat_gap floor.
func DefaultRules(heartbeatTimeout time.Duration) []Rule {
	return []Rule{
		{Metric: "cpu_load", Type: TypeResourcePressure, Floor: 0.9},
		{Metric: "queue_depth", Type: TypeQueueBacklog, Floor: 200},
		{Metric: "latency_ms", Type: TypeLatencySpike, Floor: 250, SuppressedBy: "queue_depth"},
		{Metric: "heartbeat_age_ms", Type: TypeHeartbeatGap, Floor: float64(heartbeatTimeout / time.Millisecond), Absolute: true},
		{Metric: "config_invalid", Type: TypeSchemaDrift, Floor: 1, Absolute: true},
		{Metric: "log_secrets", Type: TypeSecretLeak, Floor: 1, Absolute: true},
	}
}

// SamplerConfig tunes baseline tracking and signalling.
type SamplerConfig struct {
	// ThresholdK multiplies the baseline for relative rules. Default 3.
	ThresholdK float64
	// Alpha is the EWMA smoothing factor for baselines. Default 0.2.
	Alpha float64
	// Interval between polls. Default 100ms.
	Interval time.Duration
	// Rearm re-publishes a signal that is still breaching. Default 5s.
	Rearm time.Duration
	// HeartbeatTimeout is the heartbeat_gap floor. Default 500ms.
	HeartbeatTimeout time.Duration
	// Actor and Source stamp published signals.
	Actor  string
	Source string
}

func (c *SamplerConfig) applyDefaults() {
	if c.ThresholdK <= 0 {
		c.ThresholdK = 3
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.2
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.Rearm <= 0 {
		c.Rearm = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.Actor == "" {
		c.Actor = "detector"
	}
	if c.Source == "" {
		c.Source = "sampler"
	}
}

type signalState struct {
	baseline    float64
	seeded      bool
	last        float64
	breaching   bool
	since       time.Time
	signalledAt time.Time
}

// Sampler polls a MetricSource, keeps an EWMA baseline per metric and
// publishes a signal event when a rule starts breaching.
//
// # Thread Safety
//
// Poll, SampleNow and Recovered may be called concurrently.
type Sampler struct {
	src    MetricSource
	bus    Publisher
	cfg    SamplerConfig
	rules  []Rule
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	states map[string]*signalState
}

// NewSampler creates a sampler. A nil rules slice uses DefaultRules.
func NewSampler(src MetricSource, bus Publisher, cfg SamplerConfig, rules []Rule, logger *slog.Logger) *Sampler {
	cfg.applyDefaults()
	if rules == nil {
		rules = DefaultRules(cfg.HeartbeatTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		src:    src,
		bus:    bus,
		cfg:    cfg,
		rules:  rules,
		logger: logger.With("component", "sampler"),
		clock:  time.Now,
		states: make(map[string]*signalState),
	}
}

// Run polls every Interval until ctx ends.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll samples every resource once.
func (s *Sampler) Poll(ctx context.Context) {
	for _, r := range s.src.Resources() {
		if err := s.SampleNow(ctx, r); err != nil {
			s.logger.Warn("sample failed", "resource", r, "error", err)
		}
	}
}

// SampleNow samples one resource and publishes any new signals.
func (s *Sampler) SampleNow(ctx context.Context, resource string) error {
	metrics, err := s.src.Sample(resource)
	if err != nil {
		return err
	}
	now := s.clock()

	var signals []mesh.Event
	s.mu.Lock()
	breaching := make(map[string]bool, len(s.rules))
	for _, rule := range s.rules {
		v, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		st := s.stateLocked(resource, rule.Metric)
		threshold := s.thresholdLocked(rule, st, v)
		breaching[rule.Metric] = v >= threshold
	}
	for _, rule := range s.rules {
		v, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		st := s.stateLocked(resource, rule.Metric)
		threshold := s.thresholdLocked(rule, st, v)
		hit := breaching[rule.Metric] && !(rule.SuppressedBy != "" && breaching[rule.SuppressedBy])

		trend := 0.0
		if threshold > 0 {
			trend = math.Max(-1, math.Min(1, (v-st.last)/threshold))
		}
		st.last = v

		switch {
		case hit && (!st.breaching || now.Sub(st.signalledAt) >= s.cfg.Rearm):
			if !st.breaching {
				st.since = now
			}
			st.breaching = true
			st.signalledAt = now
			signals = append(signals, s.signal(resource, rule, st, v, threshold, trend, now))
		case hit:
		case breaching[rule.Metric]:
			// Suppressed: neither a signal nor a baseline sample.
			st.breaching = false
		default:
			st.breaching = false
			// Only healthy samples move the baseline so a fault cannot
			// raise its own threshold.
			st.baseline = s.cfg.Alpha*v + (1-s.cfg.Alpha)*st.baseline
		}
	}
	s.mu.Unlock()

	for _, e := range signals {
		if _, err := s.bus.Publish(ctx, e); err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
		s.logger.Info("anomaly signal published", "resource", resource, "event_type", e.Type, "event_id", e.EventID)
	}
	return nil
}

func (s *Sampler) stateLocked(resource, metric string) *signalState {
	key := resource + "/" + metric
	st, ok := s.states[key]
	if !ok {
		st = &signalState{}
		s.states[key] = st
	}
	return st
}

// thresholdLocked seeds the baseline on first sight.
func (s *Sampler) thresholdLocked(rule Rule, st *signalState, v float64) float64 {
	if rule.Absolute {
		return rule.Floor
	}
	if !st.seeded {
		st.seeded = true
		if v < rule.Floor {
			st.baseline = v
		}
		st.last = v
	}
	return math.Max(st.baseline*s.cfg.ThresholdK, rule.Floor)
}

func (s *Sampler) signal(resource string, rule Rule, st *signalState, v, threshold, trend float64, now time.Time) mesh.Event {
	e := mesh.NewEvent(rule.Type.SignalEvent(), s.cfg.Source, s.cfg.Actor, resource, 2, map[string]any{
		"metric":    rule.Metric,
		"current":   v,
		"baseline":  st.baseline,
		"threshold": threshold,
		"trend":     trend,
		"age_ms":    float64(now.Sub(st.since).Milliseconds()),
		"risk_tier": "medium",
	})
	e.CreatedAt = now.UTC()
	return e
}

// Recovered reports whether every rule for t on resource is back under
// its threshold.
func (s *Sampler) Recovered(resource string, t AnomalyType) (bool, error) {
	metrics, err := s.src.Sample(resource)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if rule.Type != t {
			continue
		}
		v, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		st := s.stateLocked(resource, rule.Metric)
		if v >= s.thresholdLocked(rule, st, v) {
			return false, nil
		}
	}
	return true, nil
}

// Baseline returns the tracked baseline for a metric.
func (s *Sampler) Baseline(resource, metric string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[resource+"/"+metric]
	if !ok {
		return 0, false
	}
	return st.baseline, true
}
