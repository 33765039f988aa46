// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaos

import (
	"fmt"
	"time"
)

// Gate names, in evaluation order.
const (
	GateTriggerFired       = "trigger_fired"
	GatePlaybookExecuted   = "playbook_executed"
	GateRemediationCreated = "remediation_created"
	GateSLOMet             = "slo_met"
)

// Outcome of a closed incident.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// GateResult is one independently verifiable checkpoint.
type GateResult struct {
	Passed   bool      `json:"passed"`
	Resolved bool      `json:"resolved"`
	At       time.Time `json:"at,omitzero"`
	Detail   string    `json:"detail,omitempty"`
}

// Gates are the four checkpoints of an incident.
type Gates struct {
	TriggerFired       GateResult `json:"trigger_fired"`
	PlaybookExecuted   GateResult `json:"playbook_executed"`
	RemediationCreated GateResult `json:"remediation_created"`
	SLOMet             GateResult `json:"slo_met"`
}

// All reports whether every gate passed.
func (g Gates) All() bool {
	return g.TriggerFired.Passed && g.PlaybookExecuted.Passed &&
		g.RemediationCreated.Passed && g.SLOMet.Passed
}

// Failed names the gates that did not pass.
func (g Gates) Failed() []string {
	var out []string
	for _, ng := range g.named() {
		if !ng.result.Passed {
			out = append(out, ng.name)
		}
	}
	return out
}

type namedGate struct {
	name   string
	result *GateResult
}

func (g *Gates) named() []namedGate {
	return []namedGate{
		{GateTriggerFired, &g.TriggerFired},
		{GatePlaybookExecuted, &g.PlaybookExecuted},
		{GateRemediationCreated, &g.RemediationCreated},
		{GateSLOMet, &g.SLOMet},
	}
}

// Artifact is evidence attached to a failed incident.
type Artifact struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Artifact kinds.
const (
	ArtifactLogs   = "logs"
	ArtifactDiff   = "diff"
	ArtifactTiming = "timing"
)

// ChaosIncident is one execution of a card against the live system.
type ChaosIncident struct {
	IncidentID string        `json:"incident_id"`
	CardID     string        `json:"card_id"`
	Resource   string        `json:"resource"`
	InjectedAt time.Time     `json:"injected_at"`
	Deadline   time.Time     `json:"deadline"`
	Gates      Gates         `json:"gates"`
	Outcome    Outcome       `json:"outcome"`
	MTTD       time.Duration `json:"mttd"`
	MTTH       time.Duration `json:"mtth"`
	AnomalyID  string        `json:"anomaly_id,omitempty"`
	Artifacts  []Artifact    `json:"artifacts,omitempty"`
	ClosedAt   time.Time     `json:"closed_at,omitzero"`
	Error      string        `json:"error,omitempty"`
}

// GateTimeoutError reports a gate that did not resolve before its bound.
type GateTimeoutError struct {
	Gate  string
	After time.Duration
}

func (e *GateTimeoutError) Error() string {
	return fmt.Sprintf("gate %s timed out after %v", e.Gate, e.After)
}
