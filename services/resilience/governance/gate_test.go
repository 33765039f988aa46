// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	l, err := ledger.Open(context.Background(), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, store
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestGate_AllowsTrustedCompliantRequest(t *testing.T) {
	l, _ := newTestLedger(t)
	g := NewGate(l, NewTrustTable(map[string]float64{"detector": 0.9}, 0), WithGateClock(fixedClock))

	v, err := g.Validate(context.Background(), Request{
		EventID: "e-1", Actor: "detector", Action: "cpu.saturation", Resource: "svc-a", RiskTier: RiskMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision)
	assert.True(t, v.Compliant)
	assert.InDelta(t, 0.9, v.TrustScore, 1e-9)
	assert.Equal(t, uint64(1), v.LedgerSeq)
	assert.Equal(t, fixedNow, v.EvaluatedAt)

	entries, err := l.Entries(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SubsystemGovernance, entries[0].Subsystem)

	var recorded Verdict
	require.NoError(t, entries[0].Decode(&recorded))
	assert.Equal(t, "e-1", recorded.EventID)
	assert.Equal(t, DecisionAllow, recorded.Decision)
}

func TestGate_CheckOrder(t *testing.T) {
	trust := NewTrustTable(map[string]float64{
		"low-trust":  0.1,
		"mid-trust":  0.6,
		"high-trust": 0.95,
	}, 0)
	approvals := NewApprovals(1)
	_, err := approvals.Grant(EventKey("approved-event"), "alice")
	require.NoError(t, err)

	deny := func(actor, _, _ string, _ map[string]any) bool { return actor != "blocked" }

	tests := []struct {
		name string
		req  Request
		want Decision
	}{
		{"trust below floor", Request{EventID: "a", Actor: "low-trust", RiskTier: RiskHigh}, DecisionDeny},
		{"trust ok for low tier", Request{EventID: "b", Actor: "mid-trust", RiskTier: RiskLow}, DecisionAllow},
		{"trust below medium floor", Request{EventID: "c", Actor: "low-trust", RiskTier: RiskMedium}, DecisionDeny},
		{"high tier without approval escalates", Request{EventID: "d", Actor: "high-trust", RiskTier: RiskHigh}, DecisionEscalate},
		{"high tier with approval allows", Request{EventID: "approved-event", Actor: "high-trust", RiskTier: RiskHigh}, DecisionAllow},
		{"empty tier treated as high", Request{EventID: "e", Actor: "high-trust"}, DecisionEscalate},
		{"unknown actor gets fallback trust", Request{EventID: "f", Actor: "nobody", RiskTier: RiskLow}, DecisionDeny},
	}

	g := NewGate(nil, trust, WithApprovals(approvals), WithCompliance(deny))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Evaluate(tt.req)
			assert.Equal(t, tt.want, v.Decision, v.Reason)
		})
	}
}

func TestGate_NonCompliantIsDenied(t *testing.T) {
	g := NewGate(nil, TrustFunc(func(string) float64 { return 1 }),
		WithCompliance(func(string, string, string, map[string]any) bool { return false }))

	v := g.Evaluate(Request{EventID: "x", Actor: "root", RiskTier: RiskLow})
	assert.Equal(t, DecisionDeny, v.Decision)
	assert.False(t, v.Compliant)
	assert.Contains(t, v.Reason, "policy")
}

func TestGate_DeniedLowTrustHighTierIsRecorded(t *testing.T) {
	l, _ := newTestLedger(t)
	g := NewGate(l, NewTrustTable(map[string]float64{"intruder": 0.1}, 0.5))

	v, err := g.Validate(context.Background(), Request{
		EventID: "e-9", Actor: "intruder", Action: "secret.rotate", Resource: "vault", RiskTier: RiskHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)
	assert.Contains(t, v.Reason, "below high-tier floor")

	entries, err := l.Entries(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var recorded Verdict
	require.NoError(t, entries[0].Decode(&recorded))
	assert.Equal(t, DecisionDeny, recorded.Decision)
}

func TestGate_LedgerFailureSurfaces(t *testing.T) {
	l, store := newTestLedger(t)
	store.FailWith(errors.New("disk full"))
	g := NewGate(l, TrustFunc(func(string) float64 { return 1 }))

	v, err := g.Validate(context.Background(), Request{EventID: "e", Actor: "a", RiskTier: RiskLow})
	require.ErrorIs(t, err, ledger.ErrLedgerHalted)
	assert.Equal(t, DecisionAllow, v.Decision, "verdict is still computed")
	assert.Zero(t, v.LedgerSeq)
}

func TestTrustTable_ClampsAndUpdates(t *testing.T) {
	tt := NewTrustTable(map[string]float64{"a": 1.7, "b": -2}, 3)
	assert.Equal(t, 1.0, tt.Trust("a"))
	assert.Equal(t, 0.0, tt.Trust("b"))
	assert.Equal(t, 1.0, tt.Trust("unknown"))

	tt.Set("b", 0.4)
	assert.Equal(t, 0.4, tt.Trust("b"))
}

func TestTierFloors_UnknownTierUsesHighFloor(t *testing.T) {
	f := DefaultTierFloors()
	assert.Equal(t, 0.8, f.Floor("critical"))
	assert.Equal(t, 1.0, TierFloors{}.Floor(RiskLow))
}

func TestParseRiskTier(t *testing.T) {
	tier, err := ParseRiskTier(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, tier)

	_, err = ParseRiskTier("extreme")
	assert.Error(t, err)

	assert.Equal(t, RiskLow, TierForPriority(0))
	assert.Equal(t, RiskMedium, TierForPriority(2))
	assert.Equal(t, RiskHigh, TierForPriority(5))
}
