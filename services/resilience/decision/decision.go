// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision combines a governance verdict, open anomaly severity and
// past outcomes into one action for a proposed change.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemDecision is the ledger subsystem for recorded decisions.
const SubsystemDecision = "decision"

// Action is the synthesized outcome.
type Action string

const (
	ActionExecute  Action = "EXECUTE"
	ActionPause    Action = "PAUSE"
	ActionReject   Action = "REJECT"
	ActionEscalate Action = "ESCALATE"
)

// pauseSeverity is the open-anomaly severity at which changes pause.
const pauseSeverity = 2

// Weights combine the non-short-circuit signals. They are normalized by
// their sum.
type Weights struct {
	Trust    float64 `yaml:"trust" json:"trust" validate:"gte=0"`
	History  float64 `yaml:"history" json:"history" validate:"gte=0"`
	Severity float64 `yaml:"severity" json:"severity" validate:"gte=0"`
}

// DefaultWeights favors trust and track record equally.
func DefaultWeights() Weights {
	return Weights{Trust: 0.4, History: 0.4, Severity: 0.2}
}

func (w Weights) sum() float64 { return w.Trust + w.History + w.Severity }

// Inputs are the signals for one decision.
type Inputs struct {
	Verdict governance.Verdict
	// OpenSeverity is the highest severity among open anomalies on the
	// resource, or -1 when none is open.
	OpenSeverity int
	// SuccessRate for similar past requests, with its sample count.
	SuccessRate float64
	Samples     int
}

// Decision is the synthesizer's answer.
type Decision struct {
	Action      Action             `json:"action"`
	Confidence  float64            `json:"confidence"`
	Reasoning   []string           `json:"reasoning"`
	Verdict     governance.Verdict `json:"verdict"`
	SuccessRate float64            `json:"success_rate"`
	Samples     int                `json:"samples"`
}

// Synthesize applies the decision rules to in. It is pure.
//
// # Description
//
// Rules, in order:
//
//  1. A governance deny is REJECT with full confidence.
//  2. An open anomaly of severity 2 or more on the resource is PAUSE.
//  3. A governance escalate is ESCALATE; the request waits for approval.
//  4. Otherwise trust, success rate and severity headroom are combined
//     by weight. A score below floor is ESCALATE, at or above it EXECUTE.
func Synthesize(in Inputs, w Weights, floor float64) Decision {
	d := Decision{Verdict: in.Verdict, SuccessRate: in.SuccessRate, Samples: in.Samples}

	if in.Verdict.Decision == governance.DecisionDeny {
		d.Action = ActionReject
		d.Confidence = 1
		d.Reasoning = []string{"governance denied: " + in.Verdict.Reason}
		return d
	}
	if in.OpenSeverity >= pauseSeverity {
		d.Action = ActionPause
		d.Confidence = 1
		d.Reasoning = []string{fmt.Sprintf("open severity %d anomaly on %s", in.OpenSeverity, in.Verdict.Resource)}
		return d
	}
	if in.Verdict.Decision == governance.DecisionEscalate {
		d.Action = ActionEscalate
		d.Confidence = 1
		d.Reasoning = []string{"governance escalated: " + in.Verdict.Reason}
		return d
	}

	headroom := 1.0
	if in.OpenSeverity >= 0 {
		headroom = 1 - float64(in.OpenSeverity)/3
	}
	total := w.sum()
	if total <= 0 {
		w, total = DefaultWeights(), DefaultWeights().sum()
	}
	score := (w.Trust*in.Verdict.TrustScore + w.History*in.SuccessRate + w.Severity*headroom) / total
	d.Confidence = clamp01(score)
	d.Reasoning = []string{
		fmt.Sprintf("trust %.2f", in.Verdict.TrustScore),
		fmt.Sprintf("success rate %.2f over %d outcomes", in.SuccessRate, in.Samples),
		fmt.Sprintf("severity headroom %.2f", headroom),
	}
	if d.Confidence < floor {
		d.Action = ActionEscalate
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("confidence %.2f below floor %.2f", d.Confidence, floor))
		return d
	}
	d.Action = ActionExecute
	return d
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// =============================================================================
// Synthesizer
// =============================================================================

// Validator produces and records governance verdicts.
type Validator interface {
	Validate(ctx context.Context, req governance.Request) (governance.Verdict, error)
}

// SeverityLookup reports the highest open anomaly severity on a resource,
// and false when nothing is open. *detector.Healer satisfies it.
type SeverityLookup interface {
	MaxOpenSeverity(resource string) (int, bool)
}

// Config tunes the synthesizer.
type Config struct {
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor" validate:"gte=0,lte=1"`
	Weights         Weights `yaml:"weights" json:"weights"`
}

// DefaultConfig returns a floor of 0.6 with DefaultWeights.
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.6, Weights: DefaultWeights()}
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// WithMetrics counts decisions by action.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithLedger records every decision.
func WithLedger(a ledger.Appender) Option {
	return func(s *Synthesizer) { s.ledger = a }
}

// Synthesizer gathers the inputs for a request and decides.
//
// # Thread Safety
//
// Safe for concurrent use if its collaborators are.
type Synthesizer struct {
	gate     Validator
	severity SeverityLookup
	history  *History
	cfg      Config

	logger  *slog.Logger
	metrics *observability.Metrics
	ledger  ledger.Appender
}

// NewSynthesizer creates a synthesizer. severity and history may be nil.
func NewSynthesizer(gate Validator, severity SeverityLookup, history *History, cfg Config, opts ...Option) *Synthesizer {
	if cfg.Weights.sum() <= 0 {
		cfg.Weights = DefaultWeights()
	}
	s := &Synthesizer{
		gate:     gate,
		severity: severity,
		history:  history,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrInvalidRequest is returned for a request missing actor, action or
// resource.
var ErrInvalidRequest = errors.New("invalid decision request")

// Decide validates req with governance and synthesizes an action.
//
// # Outputs
//   - Decision: Populated whenever error is nil.
//   - error: ErrInvalidRequest, or the gate could not record its verdict.
func (s *Synthesizer) Decide(ctx context.Context, req governance.Request) (Decision, error) {
	if strings.TrimSpace(req.Actor) == "" || strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.Resource) == "" {
		return Decision{}, fmt.Errorf("%w: actor, action and resource are required", ErrInvalidRequest)
	}
	ctx, span := otel.Tracer("decision").Start(ctx, "decision.Decide",
		trace.WithAttributes(
			attribute.String("actor", req.Actor),
			attribute.String("action", req.Action),
			attribute.String("resource", req.Resource),
		))
	defer span.End()

	verdict, err := s.gate.Validate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}

	in := Inputs{Verdict: verdict, OpenSeverity: -1, SuccessRate: defaultPrior}
	if s.severity != nil {
		if sev, ok := s.severity.MaxOpenSeverity(req.Resource); ok {
			in.OpenSeverity = sev
		}
	}
	if s.history != nil {
		in.SuccessRate, in.Samples = s.history.Rate(req.Action, req.Resource)
	}

	d := Synthesize(in, s.cfg.Weights, s.cfg.ConfidenceFloor)
	span.SetAttributes(attribute.String("decision", string(d.Action)), attribute.Float64("confidence", d.Confidence))
	s.metrics.RecordDecision(string(d.Action))
	s.logger.Info("decision synthesized",
		"actor", req.Actor, "action", req.Action, "resource", req.Resource,
		"decision", d.Action, "confidence", d.Confidence)

	if s.ledger != nil {
		if _, err := s.ledger.Append(ctx, SubsystemDecision, map[string]any{
			"event_id":   verdict.EventID,
			"actor":      req.Actor,
			"action":     req.Action,
			"resource":   req.Resource,
			"decision":   d.Action,
			"confidence": d.Confidence,
			"reasoning":  d.Reasoning,
		}); err != nil {
			s.logger.Warn("decision not recorded", "action", req.Action, "error", err)
		}
	}
	return d, nil
}
