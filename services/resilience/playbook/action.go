// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package playbook

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoPlaybook is returned by Catalog.Select when no trigger matches.
var ErrNoPlaybook = errors.New("no playbook matches")

// ActionStatus is the lifecycle of one HealingAction.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusRunning    ActionStatus = "running"
	StatusSucceeded  ActionStatus = "succeeded"
	StatusFailed     ActionStatus = "failed"
	StatusRolledBack ActionStatus = "rolled_back"
)

// HealingAction is one executed playbook step.
type HealingAction struct {
	ActionID   string          `json:"action_id"`
	AnomalyID  string          `json:"anomaly_id"`
	PlaybookID string          `json:"playbook_id"`
	Resource   string          `json:"resource"`
	StepIndex  int             `json:"step_index"`
	StepName   string          `json:"step_name"`
	ActionType ActionPrimitive `json:"action_type"`
	Status     ActionStatus    `json:"status"`
	Attempts   int             `json:"attempts"`
	Simulated  bool            `json:"simulated"`
	Detail     string          `json:"detail,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

// Effect describes what an actuator call did. Simulated is true when no
// real system state changed.
type Effect struct {
	Simulated bool
	Detail    string
}

// Actuator performs primitives against the system under remediation.
// Implementations should honor ctx; the engine abandons calls that
// outlive their step timeout.
type Actuator interface {
	Restart(ctx context.Context, resource string) (Effect, error)
	Scale(ctx context.Context, resource string, delta int) (Effect, error)
	Rollback(ctx context.Context, resource string) (Effect, error)
	Patch(ctx context.Context, resource string, params map[string]string) (Effect, error)
	ShedLoad(ctx context.Context, resource string, ratePerSec float64) (Effect, error)
	ClearCache(ctx context.Context, resource string) (Effect, error)
	Drain(ctx context.Context, resource string) (Effect, error)
	RotateSecret(ctx context.Context, resource string) (Effect, error)
	Failover(ctx context.Context, resource string) (Effect, error)
	Notify(ctx context.Context, resource, message string) (Effect, error)
	Verify(ctx context.Context, resource string) (Effect, error)
}

// Target is the anomaly a playbook runs against.
type Target struct {
	AnomalyID string  `json:"anomaly_id"`
	Type      string  `json:"type"`
	Resource  string  `json:"resource"`
	Severity  int     `json:"severity"`
	Score     float64 `json:"score"`
}

// Result is the outcome of one Execute call.
type Result struct {
	PlaybookID     string          `json:"playbook_id"`
	AnomalyID      string          `json:"anomaly_id"`
	Resource       string          `json:"resource"`
	Actions        []HealingAction `json:"actions"`
	Succeeded      bool            `json:"succeeded"`
	Error          string          `json:"error,omitempty"`
	RollbackErrors []string        `json:"rollback_errors,omitempty"`
	OpensTask      bool            `json:"opens_task"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// StepExecutionError is returned when a step fails after all retries, or
// is cancelled.
type StepExecutionError struct {
	Step      string
	Primitive ActionPrimitive
	Attempts  int
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q (%s) failed after %d attempt(s): %v", e.Step, e.Primitive, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
