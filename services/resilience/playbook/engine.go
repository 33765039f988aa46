// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package playbook executes remediation playbooks.
//
// # Description
//
// A playbook is an ordered list of steps, each naming an ActionPrimitive.
// Steps of one run execute sequentially. Runs for different anomalies
// execute concurrently, bounded by a worker pool.
//
// A failing step is retried with backoff. When retries are exhausted, or
// the run is cancelled, every previously succeeded step is rolled back in
// reverse order, each exactly once, and the run fails. Cancellation takes
// the same path as failure.
//
// Each HealingAction status transition is written to the ledger.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemPlaybook tags ledger entries written by the engine.
const SubsystemPlaybook = "playbook"

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the engine. Zero values are replaced by defaults.
type Config struct {
	// Workers caps concurrently executing playbooks. Default runtime.NumCPU().
	Workers int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff between retries.
	Backoff Backoff

	// StepTimeout applies to steps that do not declare one.
	StepTimeout time.Duration

	// RollbackTimeout bounds each rollback action.
	RollbackTimeout time.Duration
}

// DefaultConfig returns the defaults: NumCPU workers, 2 retries, 100ms
// base backoff capped at 2s, 30s step and rollback timeouts.
func DefaultConfig() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		MaxRetries: 2,
		Backoff: Backoff{
			Base:      100 * time.Millisecond,
			Max:       2 * time.Second,
			MaxJitter: 50 * time.Millisecond,
		},
		StepTimeout:     30 * time.Second,
		RollbackTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = d.RollbackTimeout
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs playbooks against an Actuator.
//
// # Thread Safety
//
// Execute is safe for concurrent use. At most Config.Workers runs execute
// at once; further callers wait for a slot or their context.
type Engine struct {
	act     Actuator
	ledger  ledger.Appender
	cfg     Config
	pool    *semaphore.Weighted
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewEngine creates an engine.
func NewEngine(act Actuator, l ledger.Appender, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		act:    act,
		ledger: l,
		cfg:    cfg,
		pool:   semaphore.NewWeighted(int64(cfg.Workers)),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workers returns the pool size.
func (e *Engine) Workers() int { return e.cfg.Workers }

// Execute runs pb against t.
//
// # Description
//
// Waits for a worker slot, picks the step list for t.Severity and runs it.
// On a step failure or cancellation, succeeded steps are rolled back in
// reverse order on a context detached from ctx, so rollback completes
// even after cancellation.
//
// # Outputs
//   - Result: Every HealingAction created, in step order.
//   - error: nil on success; *StepExecutionError when a step failed or was
//     cancelled; ctx.Err() if cancelled before a slot was free.
func (e *Engine) Execute(ctx context.Context, pb *Playbook, t Target) (Result, error) {
	ctx, span := otel.Tracer("playbook").Start(ctx, "playbook.Execute",
		trace.WithAttributes(
			attribute.String("playbook_id", pb.ID),
			attribute.String("anomaly_id", t.AnomalyID),
			attribute.String("resource", t.Resource),
			attribute.Int("severity", t.Severity),
		))
	defer span.End()

	res := Result{
		PlaybookID: pb.ID,
		AnomalyID:  t.AnomalyID,
		Resource:   t.Resource,
		OpensTask:  pb.OpensTask,
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "no worker")
		return res, fmt.Errorf("wait for playbook worker: %w", err)
	}
	defer e.pool.Release(1)

	res.StartedAt = e.clock()
	steps := pb.StepsFor(t.Severity)
	e.logger.Info("playbook started",
		"playbook_id", pb.ID, "anomaly_id", t.AnomalyID, "resource", t.Resource,
		"severity", t.Severity, "steps", len(steps))

	var succeeded []int
	for i, step := range steps {
		res.Actions = append(res.Actions, HealingAction{
			ActionID:   uuid.NewString(),
			AnomalyID:  t.AnomalyID,
			PlaybookID: pb.ID,
			Resource:   t.Resource,
			StepIndex:  i,
			StepName:   step.Name,
			ActionType: step.Primitive,
			Status:     StatusPending,
			StartedAt:  e.clock(),
		})

		if err := e.runStep(ctx, &res.Actions[i], step, t); err != nil {
			e.rollback(ctx, &res, steps, succeeded)
			res.Error = err.Error()
			res.FinishedAt = e.clock()
			e.metrics.RecordPlaybook(res.Duration().Seconds(), false)
			span.RecordError(err)
			span.SetStatus(codes.Error, "playbook failed")
			e.logger.Warn("playbook failed",
				"playbook_id", pb.ID, "anomaly_id", t.AnomalyID, "step", step.Name, "error", err)
			return res, err
		}
		succeeded = append(succeeded, i)
	}

	res.Succeeded = true
	res.FinishedAt = e.clock()
	e.metrics.RecordPlaybook(res.Duration().Seconds(), true)
	e.logger.Info("playbook succeeded",
		"playbook_id", pb.ID, "anomaly_id", t.AnomalyID, "duration", res.Duration())
	return res, nil
}

// runStep drives one step through running to succeeded or failed.
func (e *Engine) runStep(ctx context.Context, a *HealingAction, step Step, t Target) error {
	a.Status = StatusRunning
	if err := e.record(ctx, *a); err != nil {
		// No unaudited actions: fail the step before touching the system.
		a.Status = StatusFailed
		a.Error = err.Error()
		a.FinishedAt = e.clock()
		e.metrics.RecordStep(step.Primitive.String(), string(StatusFailed))
		return &StepExecutionError{Step: step.Name, Primitive: step.Primitive, Attempts: 0, Err: err}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		a.Attempts = attempt + 1
		eff, err := e.attempt(ctx, step.Primitive, t.Resource, step.Params, timeout)
		if err == nil {
			a.Status = StatusSucceeded
			a.Simulated = eff.Simulated
			a.Detail = eff.Detail
			a.FinishedAt = e.clock()
			e.metrics.RecordStep(step.Primitive.String(), string(StatusSucceeded))
			e.recordBestEffort(ctx, *a)
			return nil
		}
		lastErr = err
		e.logger.Warn("step attempt failed",
			"anomaly_id", t.AnomalyID, "step", step.Name, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil || attempt == e.cfg.MaxRetries {
			break
		}
		delay := e.cfg.Backoff.Delay(t.AnomalyID, step.Name, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("cancelled during backoff: %w", ctx.Err())
			break
		}
	}

	a.Status = StatusFailed
	a.Error = lastErr.Error()
	a.FinishedAt = e.clock()
	e.metrics.RecordStep(step.Primitive.String(), string(StatusFailed))
	e.recordBestEffort(ctx, *a)
	return &StepExecutionError{Step: step.Name, Primitive: step.Primitive, Attempts: a.Attempts, Err: lastErr}
}

// attempt runs one primitive call under a timeout. The call runs in its
// own goroutine so an actuator that ignores ctx cannot stall the run.
func (e *Engine) attempt(ctx context.Context, p ActionPrimitive, resource string, params map[string]string, timeout time.Duration) (Effect, error) {
	if err := ctx.Err(); err != nil {
		return Effect{}, fmt.Errorf("cancelled: %w", err)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		eff Effect
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		eff, err := e.dispatch(stepCtx, p, resource, params)
		done <- outcome{eff, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return o.eff, fmt.Errorf("step timed out after %v: %w", timeout, o.err)
		}
		return o.eff, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return Effect{}, fmt.Errorf("cancelled: %w", ctx.Err())
		}
		return Effect{}, fmt.Errorf("step timed out after %v", timeout)
	}
}

// dispatch maps a primitive onto the actuator. The switch covers every
// ActionPrimitive.
func (e *Engine) dispatch(ctx context.Context, p ActionPrimitive, resource string, params map[string]string) (Effect, error) {
	switch p {
	case PrimitiveRestart:
		return e.act.Restart(ctx, resource)
	case PrimitiveScaleUp:
		return e.act.Scale(ctx, resource, intParam(params, "delta", 1))
	case PrimitiveScaleDown:
		return e.act.Scale(ctx, resource, -intParam(params, "delta", 1))
	case PrimitiveRollback:
		return e.act.Rollback(ctx, resource)
	case PrimitivePatch:
		return e.act.Patch(ctx, resource, params)
	case PrimitiveShedLoad:
		return e.act.ShedLoad(ctx, resource, floatParam(params, "rate", 0))
	case PrimitiveClearCache:
		return e.act.ClearCache(ctx, resource)
	case PrimitiveDrain:
		return e.act.Drain(ctx, resource)
	case PrimitiveRotateSecret:
		return e.act.RotateSecret(ctx, resource)
	case PrimitiveFailover:
		return e.act.Failover(ctx, resource)
	case PrimitiveNotify:
		return e.act.Notify(ctx, resource, params["message"])
	case PrimitiveVerify:
		return e.act.Verify(ctx, resource)
	case primitiveInvalid:
	}
	return Effect{}, fmt.Errorf("unhandled action primitive %s", p)
}

// rollback undoes succeeded steps in reverse order, each exactly once.
// Rollback errors are recorded but do not stop later rollbacks.
func (e *Engine) rollback(ctx context.Context, res *Result, steps []Step, succeeded []int) {
	if len(succeeded) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	e.logger.Info("rolling back succeeded steps", "anomaly_id", res.AnomalyID, "count", len(succeeded))

	for i := len(succeeded) - 1; i >= 0; i-- {
		idx := succeeded[i]
		step := steps[idx]
		a := &res.Actions[idx]
		if step.Rollback == nil {
			e.logger.Debug("no rollback defined", "step", step.Name)
			continue
		}

		rctx, cancel := context.WithTimeout(detached, e.cfg.RollbackTimeout)
		_, err := e.dispatch(rctx, step.Rollback.Primitive, res.Resource, step.Rollback.Params)
		cancel()
		if err != nil {
			msg := fmt.Sprintf("%s: %v", step.Name, err)
			res.RollbackErrors = append(res.RollbackErrors, msg)
			e.logger.Warn("rollback failed", "step", step.Name, "error", err)
			continue
		}
		a.Status = StatusRolledBack
		a.FinishedAt = e.clock()
		e.metrics.RecordStep(step.Primitive.String(), string(StatusRolledBack))
		e.recordBestEffort(detached, *a)
	}
}

// record appends a status transition. It ignores ctx cancellation so a
// cancelled run still leaves its audit trail.
func (e *Engine) record(ctx context.Context, a HealingAction) error {
	if e.ledger == nil {
		return nil
	}
	_, err := e.ledger.Append(context.WithoutCancel(ctx), SubsystemPlaybook, a)
	if err != nil {
		return fmt.Errorf("record action %s: %w", a.ActionID, err)
	}
	return nil
}

func (e *Engine) recordBestEffort(ctx context.Context, a HealingAction) {
	if err := e.record(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("healing action not recorded", "action_id", a.ActionID, "status", a.Status, "error", err)
	}
}

func intParam(params map[string]string, key string, def int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatParam(params map[string]string, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
