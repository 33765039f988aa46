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
	"fmt"
	"strings"
	"time"
)

// RiskTier is the declared risk of an event or action.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ParseRiskTier parses a tier name, case-insensitively.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// TierForPriority maps an event priority to a risk tier when the event does
// not declare one: 0-1 low, 2 medium, 3 and above high.
func TierForPriority(priority int) RiskTier {
	switch {
	case priority >= 3:
		return RiskHigh
	case priority == 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Decision is the outcome of a verdict.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// Request is what the gate evaluates. The mesh builds one per event; the
// event type is the action.
type Request struct {
	EventID  string         `json:"event_id"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	RiskTier RiskTier       `json:"risk_tier"`
	Context  map[string]any `json:"context,omitempty"`
}

// Verdict is the immutable result of Gate.Validate. A deny is a verdict,
// not an error.
type Verdict struct {
	EventID     string    `json:"event_id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource"`
	Compliant   bool      `json:"compliant"`
	TrustScore  float64   `json:"trust_score"`
	RiskTier    RiskTier  `json:"risk_tier"`
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	// LedgerSeq is the sequence of the ledger entry recording this verdict.
	LedgerSeq uint64 `json:"ledger_seq,omitempty"`
}

// Allowed reports whether the event may be delivered now.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }
