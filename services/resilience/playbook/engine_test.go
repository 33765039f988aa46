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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

func testConfig(workers int) Config {
	return Config{
		Workers:         workers,
		MaxRetries:      2,
		Backoff:         Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		StepTimeout:     time.Second,
		RollbackTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, act Actuator, workers int, opts ...Option) (*Engine, *ledger.Ledger, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	l, err := ledger.Open(context.Background(), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return NewEngine(act, l, testConfig(workers), opts...), l, store
}

func mustPlaybook(t *testing.T, p *Playbook) *Playbook {
	t.Helper()
	if p.Trigger == "" {
		p.Trigger = "true"
	}
	_, err := NewCatalog(p)
	require.NoError(t, err)
	return p
}

func TestExecute_ResourcePressureSeverityTwo(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	target := Target{AnomalyID: "a-1", Type: "resource_pressure", Resource: "svc-a", Severity: 2}
	pb, err := cat.Select(target)
	require.NoError(t, err)

	act := newFakeActuator()
	e, l, _ := newTestEngine(t, act, 2)

	res, err := e.Execute(context.Background(), pb, target)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, []string{"shed_load(100)", "scale(2)"}, act.Calls())

	require.Len(t, res.Actions, 2)
	assert.Equal(t, "shed_load", res.Actions[0].StepName)
	assert.Equal(t, "scale_workers", res.Actions[1].StepName)
	for _, a := range res.Actions {
		assert.Equal(t, StatusSucceeded, a.Status)
		assert.Equal(t, 1, a.Attempts)
		assert.Equal(t, "a-1", a.AnomalyID)
	}

	entries, err := l.Entries(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "running + succeeded per step")
	var first HealingAction
	require.NoError(t, entries[0].Decode(&first))
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, PrimitiveShedLoad, first.ActionType)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	act := newFakeActuator()
	act.failures["restart"] = 2
	e, _, _ := newTestEngine(t, act, 1)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{{Name: "restart", Primitive: PrimitiveRestart}}})
	res, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Actions[0].Attempts)
	assert.Equal(t, []string{"restart", "restart", "restart"}, act.Calls())
}

func TestExecute_FailureRollsBackInReverseOrder(t *testing.T) {
	act := newFakeActuator()
	act.failAlways("patch(step=s3)")
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	e, _, _ := newTestEngine(t, act, 1, WithMetrics(metrics))

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{
		patchStep("s1"), patchStep("s2"), patchStep("s3"), patchStep("s4"),
	}})
	res, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})

	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "s3", stepErr.Step)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.False(t, res.Succeeded)

	assert.Equal(t, []string{
		"patch(step=s1)", "patch(step=s2)",
		"patch(step=s3)", "patch(step=s3)", "patch(step=s3)",
		"patch(undo=s2)", "patch(undo=s1)",
	}, act.Calls())

	require.Len(t, res.Actions, 3, "s4 never starts")
	assert.Equal(t, StatusRolledBack, res.Actions[0].Status)
	assert.Equal(t, StatusRolledBack, res.Actions[1].Status)
	assert.Equal(t, StatusFailed, res.Actions[2].Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PlaybookSteps.WithLabelValues("patch", "rolled_back")))
}

func TestExecute_RollbackFailureDoesNotStopOthers(t *testing.T) {
	act := newFakeActuator()
	act.failAlways("patch(step=s3)")
	act.failAlways("patch(undo=s2)")
	e, _, _ := newTestEngine(t, act, 1)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{patchStep("s1"), patchStep("s2"), patchStep("s3")}})
	res, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.Error(t, err)

	calls := act.Calls()
	assert.Equal(t, []string{"patch(undo=s2)", "patch(undo=s1)"}, calls[len(calls)-2:], "each rollback runs exactly once")
	assert.Equal(t, StatusSucceeded, res.Actions[1].Status, "failed rollback leaves status unchanged")
	assert.Equal(t, StatusRolledBack, res.Actions[0].Status)
	require.Len(t, res.RollbackErrors, 1)
	assert.Contains(t, res.RollbackErrors[0], "s2")
}

func TestExecute_StepWithoutRollbackIsSkipped(t *testing.T) {
	act := newFakeActuator()
	act.failAlways("verify")
	e, _, _ := newTestEngine(t, act, 1)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{
		{Name: "rollback_config", Primitive: PrimitiveRollback},
		{Name: "verify", Primitive: PrimitiveVerify},
	}})
	res, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.Error(t, err)
	assert.Equal(t, StatusSucceeded, res.Actions[0].Status)
	assert.Equal(t, []string{"rollback", "verify", "verify", "verify"}, act.Calls())
}

func TestExecute_CancellationTakesRollbackPath(t *testing.T) {
	act := newFakeActuator()
	act.blockOn["patch(step=s2)"] = true
	e, _, _ := newTestEngine(t, act, 1)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{patchStep("s1"), patchStep("s2"), patchStep("s3")}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		res, err = e.Execute(ctx, pb, Target{AnomalyID: "a", Resource: "svc"})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(act.Calls()) == 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stepErr.Attempts, "no retries after cancellation")
	assert.Equal(t, []string{"patch(step=s1)", "patch(step=s2)", "patch(undo=s1)"}, act.Calls())
	assert.Equal(t, StatusRolledBack, res.Actions[0].Status)
	assert.Equal(t, StatusFailed, res.Actions[1].Status)
}

func TestExecute_StepTimeout(t *testing.T) {
	act := newFakeActuator()
	act.blockOn["drain"] = true
	cfg := testConfig(1)
	cfg.MaxRetries = 0
	e := NewEngine(act, nil, cfg)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{{Name: "drain", Primitive: PrimitiveDrain, Timeout: 10 * time.Millisecond}}})
	_, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecute_SimulatedPrimitiveIsFlagged(t *testing.T) {
	act := newFakeActuator()
	e, _, _ := newTestEngine(t, act, 1)

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{
		{Name: "restart", Primitive: PrimitiveRestart},
		{Name: "page", Primitive: PrimitiveNotify, Params: map[string]string{"message": "hi"}},
	}})
	res, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.NoError(t, err)
	assert.False(t, res.Actions[0].Simulated)
	assert.True(t, res.Actions[1].Simulated)
	assert.Equal(t, "notify(hi)", res.Actions[1].Detail)
}

func TestExecute_LedgerHaltedFailsBeforeActing(t *testing.T) {
	act := newFakeActuator()
	e, _, store := newTestEngine(t, act, 1)
	store.FailWith(errors.New("disk full"))

	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{{Name: "restart", Primitive: PrimitiveRestart}}})
	_, err := e.Execute(context.Background(), pb, Target{AnomalyID: "a", Resource: "svc"})
	require.ErrorIs(t, err, ledger.ErrLedgerHalted)
	assert.Empty(t, act.Calls())
}

func TestEngine_PoolBoundsConcurrency(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			act := newFakeActuator()
			act.hold = 50 * time.Millisecond
			e := NewEngine(act, nil, testConfig(workers))
			pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{{Name: "restart", Primitive: PrimitiveRestart}}})

			var wg sync.WaitGroup
			for _, r := range []string{"svc-a", "svc-b"} {
				wg.Add(1)
				go func(resource string) {
					defer wg.Done()
					_, err := e.Execute(context.Background(), pb, Target{AnomalyID: resource, Resource: resource})
					assert.NoError(t, err)
				}(r)
			}
			wg.Wait()
			if workers == 1 {
				assert.Equal(t, 1, act.MaxActive())
			} else {
				assert.Equal(t, 2, act.MaxActive())
			}
		})
	}
}

func TestEngine_AcquireRespectsContext(t *testing.T) {
	act := newFakeActuator()
	act.blockOn["restart"] = true
	e := NewEngine(act, nil, testConfig(1))
	pb := mustPlaybook(t, &Playbook{ID: "p", Steps: []Step{{Name: "restart", Primitive: PrimitiveRestart}}})

	busyCtx, stopBusy := context.WithCancel(context.Background())
	defer stopBusy()
	go func() { _, _ = e.Execute(busyCtx, pb, Target{AnomalyID: "busy", Resource: "svc-a"}) }()
	require.Eventually(t, func() bool { return len(act.Calls()) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, pb, Target{AnomalyID: "waiting", Resource: "svc-b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatch_CoversEveryPrimitive(t *testing.T) {
	act := newFakeActuator()
	e := NewEngine(act, nil, testConfig(1))
	for _, p := range Primitives() {
		_, err := e.dispatch(context.Background(), p, "svc", map[string]string{"k": "v"})
		assert.NoError(t, err, p.String())
	}
	_, err := e.dispatch(context.Background(), primitiveInvalid, "svc", nil)
	assert.Error(t, err)
	assert.Len(t, act.Calls(), len(Primitives()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff.Base)
}
