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
	"fmt"
	"slices"
	"time"
)

// AnomalyType is the closed set of deviations the detector recognises.
type AnomalyType string

const (
	TypeLatencySpike     AnomalyType = "latency_spike"
	TypeHeartbeatGap     AnomalyType = "heartbeat_gap"
	TypeResourcePressure AnomalyType = "resource_pressure"
	TypeSchemaDrift      AnomalyType = "schema_drift"
	TypeSecretLeak       AnomalyType = "secret_leak"
	TypeQueueBacklog     AnomalyType = "queue_backlog"
)

// signalEvents maps each anomaly type to the mesh event type that reports it.
var signalEvents = map[AnomalyType]string{
	TypeLatencySpike:     "latency.spike",
	TypeHeartbeatGap:     "heartbeat.missed",
	TypeResourcePressure: "cpu.saturation",
	TypeSchemaDrift:      "config.drift",
	TypeSecretLeak:       "secret.exposed",
	TypeQueueBacklog:     "queue.backlog",
}

// AnomalyTypes lists every type in a stable order.
func AnomalyTypes() []AnomalyType {
	out := make([]AnomalyType, 0, len(signalEvents))
	for t := range signalEvents {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// ParseAnomalyType accepts the snake_case name.
func ParseAnomalyType(s string) (AnomalyType, error) {
	t := AnomalyType(s)
	if _, ok := signalEvents[t]; !ok {
		return "", fmt.Errorf("unknown anomaly type %q", s)
	}
	return t, nil
}

// SignalEvent is the event type that reports t.
func (t AnomalyType) SignalEvent() string { return signalEvents[t] }

// TypeForEvent maps a signal event type back to its anomaly type.
func TypeForEvent(eventType string) (AnomalyType, bool) {
	for t, ev := range signalEvents {
		if ev == eventType {
			return t, true
		}
	}
	return "", false
}

// State is a step in the anomaly lifecycle.
type State string

const (
	StateDetected        State = "DETECTED"
	StateTriaged         State = "TRIAGED"
	StateActionPlanned   State = "ACTION_PLANNED"
	StateActionExecuting State = "ACTION_EXECUTING"
	StateResolved        State = "RESOLVED"
	StateEscalated       State = "ESCALATED"
	StateFailed          State = "FAILED"
)

var transitions = map[State][]State{
	StateDetected:        {StateTriaged, StateFailed},
	StateTriaged:         {StateActionPlanned, StateFailed},
	StateActionPlanned:   {StateActionExecuting, StateEscalated, StateFailed},
	StateActionExecuting: {StateResolved, StateFailed, StateEscalated},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateEscalated || s == StateFailed
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Anomaly is a detected deviation on one resource. Anomalies are never
// deleted; terminal ones stay in the healer's history.
type Anomaly struct {
	AnomalyID  string      `json:"anomaly_id"`
	Type       AnomalyType `json:"type"`
	Severity   int         `json:"severity"`
	Score      float64     `json:"score"`
	Resource   string      `json:"resource"`
	Baseline   float64     `json:"baseline"`
	Current    float64     `json:"current"`
	DetectedAt time.Time   `json:"detected_at"`

	State      State     `json:"state"`
	Factors    Factors   `json:"factors"`
	PlaybookID string    `json:"playbook_id,omitempty"`
	Coalesced  int       `json:"coalesced"`
	Reason     string    `json:"reason,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	ClosedAt   time.Time `json:"closed_at,omitzero"`
	SourceID   string    `json:"source_event_id"`
}

func (a *Anomaly) key() string { return anomalyKey(a.Resource, a.Type) }

func anomalyKey(resource string, t AnomalyType) string {
	return resource + "/" + string(t)
}

// RemediationTask is follow-up work opened for humans when automatic
// healing fails, escalates, or the playbook demands it.
type RemediationTask struct {
	TaskID    string      `json:"task_id"`
	AnomalyID string      `json:"anomaly_id"`
	Resource  string      `json:"resource"`
	Type      AnomalyType `json:"type"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}
