// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governance validates proposed events against trust, policy and
// approval requirements.
//
// # Description
//
// The Gate is the check every event passes before the mesh delivers it.
// Checks run in a fixed order:
//
//  1. The actor's trust score must meet the floor for the risk tier.
//  2. The compliance predicate must return true.
//  3. High-tier requests need a pre-existing approval, else escalate.
//
// Every verdict is written to the ledger before Validate returns. The gate
// touches no business state; its only side effect is that ledger entry.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemGovernance tags ledger entries written by the gate.
const SubsystemGovernance = "governance"

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCompliance sets the policy predicate. Default: AlwaysCompliant.
func WithCompliance(fn ComplianceFunc) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.compliance = fn
		}
	}
}

// WithApprovals sets the approval checker used for high-tier requests.
func WithApprovals(a ApprovalChecker) GateOption {
	return func(g *Gate) { g.approvals = a }
}

// WithFloors overrides the per-tier trust floors.
func WithFloors(f TierFloors) GateOption {
	return func(g *Gate) {
		if len(f) > 0 {
			g.floors = f
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithGateMetrics sets the metrics sink.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock overrides time.Now.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) { g.clock = clock }
}

// Gate evaluates requests and records verdicts.
type Gate struct {
	ledger     ledger.Appender
	trust      TrustSource
	compliance ComplianceFunc
	approvals  ApprovalChecker
	floors     TierFloors
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      func() time.Time
}

// NewGate creates a gate that records verdicts to l and reads trust from
// trust.
func NewGate(l ledger.Appender, trust TrustSource, opts ...GateOption) *Gate {
	g := &Gate{
		ledger:     l,
		trust:      trust,
		compliance: AlwaysCompliant,
		floors:     DefaultTierFloors(),
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate computes the verdict for req without recording it.
func (g *Gate) Evaluate(req Request) Verdict {
	tier := req.RiskTier
	if tier == "" {
		tier = RiskHigh
	}
	v := Verdict{
		EventID:     req.EventID,
		Actor:       req.Actor,
		Action:      req.Action,
		Resource:    req.Resource,
		RiskTier:    tier,
		TrustScore:  clamp01(g.trust.Trust(req.Actor)),
		Compliant:   g.compliance(req.Actor, req.Action, req.Resource, req.Context),
		EvaluatedAt: g.clock().UTC(),
	}

	floor := g.floors.Floor(tier)
	switch {
	case v.TrustScore < floor:
		v.Decision = DecisionDeny
		v.Reason = fmt.Sprintf("trust %.2f below %s-tier floor %.2f", v.TrustScore, tier, floor)
	case !v.Compliant:
		v.Decision = DecisionDeny
		v.Reason = "policy predicate rejected the request"
	case tier == RiskHigh && (g.approvals == nil || !g.approvals.Approved(req)):
		v.Decision = DecisionEscalate
		v.Reason = "high-risk request has no approval on record"
	default:
		v.Decision = DecisionAllow
		v.Reason = "trust, policy and approval checks passed"
	}
	return v
}

// Validate evaluates req and appends the verdict to the ledger.
//
// # Outputs
//   - Verdict: Always populated, even when error is non-nil.
//   - error: Non-nil if the ledger refused the entry. Callers must not
//     act on a verdict that was not recorded.
func (g *Gate) Validate(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := otel.Tracer("governance").Start(ctx, "governance.Validate",
		trace.WithAttributes(
			attribute.String("event_id", req.EventID),
			attribute.String("actor", req.Actor),
		))
	defer span.End()

	v := g.Evaluate(req)
	span.SetAttributes(attribute.String("decision", string(v.Decision)))

	entry, err := g.ledger.Append(ctx, SubsystemGovernance, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verdict not recorded")
		return v, fmt.Errorf("record verdict for event %s: %w", req.EventID, err)
	}
	v.LedgerSeq = entry.Sequence
	g.metrics.RecordVerdict(string(v.Decision))

	if v.Decision != DecisionAllow {
		g.logger.Info("governance verdict",
			"event_id", v.EventID,
			"actor", v.Actor,
			"decision", v.Decision,
			"reason", v.Reason,
			"sequence", entry.Sequence)
	}
	return v, nil
}
