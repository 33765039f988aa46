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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
	"github.com/AleutianAI/resilience-engine/services/resilience/playbook"
)

// fakeExecutor records calls and can hold a run until released.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []playbook.Target
	hold    chan struct{}
	err     error
	running map[string]int
	peak    map[string]int
}

func (f *fakeExecutor) Execute(ctx context.Context, pb *playbook.Playbook, t playbook.Target) (playbook.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	hold, err := f.hold, f.err
	if f.running == nil {
		f.running = make(map[string]int)
		f.peak = make(map[string]int)
	}
	f.running[t.Resource]++
	f.peak[t.Resource] = max(f.peak[t.Resource], f.running[t.Resource])
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running[t.Resource]--
		f.mu.Unlock()
	}()

	res := playbook.Result{PlaybookID: pb.ID, AnomalyID: t.AnomalyID, Resource: t.Resource, OpensTask: pb.OpensTask}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return res, fmt.Errorf("step interrupted: %w", ctx.Err())
		}
	}
	if err != nil {
		return res, err
	}
	res.Succeeded = true
	return res, nil
}

func (f *fakeExecutor) peakOn(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[resource]
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecovery struct{ down atomic.Bool }

func (f *fakeRecovery) Recovered(string, AnomalyType) (bool, error) {
	return !f.down.Load(), nil
}

type noPlaybooks struct{}

func (noPlaybooks) Select(playbook.Target) (*playbook.Playbook, error) {
	return nil, playbook.ErrNoPlaybook
}

type healerFixture struct {
	mesh     *mesh.Mesh
	ledger   *ledger.Ledger
	healer   *Healer
	exec     *fakeExecutor
	recovery *fakeRecovery
	metrics  *observability.Metrics
	events   *eventLog

	mu       sync.Mutex
	outcomes []Anomaly
}

type eventLog struct {
	mu     sync.Mutex
	events []mesh.Event
}

func (l *eventLog) handle(_ context.Context, e mesh.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) ofType(eventType string) []mesh.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []mesh.Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newHealerFixture(t *testing.T, selector Selector) *healerFixture {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	trust := governance.NewTrustTable(map[string]float64{"detector": 0.9, "healer": 0.9}, 0.1)
	gate := governance.NewGate(l, trust)
	m, err := mesh.New(gate, mesh.Config{}, mesh.WithLedger(l))
	require.NoError(t, err)

	if selector == nil {
		catalog, err := playbook.DefaultCatalog()
		require.NoError(t, err)
		selector = catalog
	}

	f := &healerFixture{
		mesh:     m,
		ledger:   l,
		exec:     &fakeExecutor{},
		recovery: &fakeRecovery{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		events:   &eventLog{},
	}
	f.healer = NewHealer(m, selector, f.exec, f.recovery, HealerConfig{
		RecoveryTimeout:  200 * time.Millisecond,
		RecoveryInterval: 5 * time.Millisecond,
	},
		WithHealerLedger(l),
		WithHealerMetrics(f.metrics),
		WithOutcome(func(a Anomaly, _ *playbook.Result) {
			f.mu.Lock()
			f.outcomes = append(f.outcomes, a)
			f.mu.Unlock()
		}),
	)
	require.NoError(t, f.healer.Start())
	for _, pat := range []string{"anomaly.>", "human.notify", "remediation.>"} {
		_, err := m.Subscribe(pat, f.events.handle)
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		f.healer.Close()
		_ = m.Close()
		_ = l.Close()
	})
	return f
}

func (f *healerFixture) signal(t *testing.T, eventType string, payload map[string]any) {
	t.Helper()
	v, err := f.mesh.Publish(context.Background(), mesh.NewEvent(eventType, "workload", "detector", "svc-a", 2, payload))
	require.NoError(t, err)
	require.True(t, v.Allowed(), v.Reason)
}

func (f *healerFixture) waitOutcome(t *testing.T) Anomaly {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.outcomes) > 0
	}, 2*time.Second, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[0]
}

func TestHealer_HappyPathResolves(t *testing.T) {
	f := newHealerFixture(t, nil)

	f.signal(t, "cpu.saturation", nil)
	a := f.waitOutcome(t)

	assert.Equal(t, StateResolved, a.State)
	assert.Equal(t, TypeResourcePressure, a.Type)
	assert.Equal(t, 2, a.Severity)
	assert.Equal(t, "resource-pressure", a.PlaybookID)
	assert.Empty(t, a.TaskID)

	require.Equal(t, 1, f.exec.callCount())
	assert.Equal(t, 2, f.exec.calls[0].Severity)

	require.Eventually(t, func() bool { return len(f.events.ofType(EventAnomalyResolved)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.events.ofType(EventAnomalyDetected), 1)
	resolved := f.events.ofType(EventAnomalyResolved)[0]
	assert.Equal(t, a.AnomalyID, resolved.Payload["anomaly_id"])
	assert.Equal(t, "healer", resolved.Actor)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Anomalies.WithLabelValues("resource_pressure", "RESOLVED")))

	var detectorEntries int
	entries, err := f.ledger.Entries(context.Background(), 0, 100)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Subsystem == SubsystemDetector {
			detectorEntries++
		}
	}
	// DETECTED, TRIAGED, ACTION_PLANNED, ACTION_EXECUTING, RESOLVED
	assert.Equal(t, 5, detectorEntries)
}

func TestHealer_CoalescesWhileExecuting(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.exec.hold = make(chan struct{})

	f.signal(t, "cpu.saturation", map[string]any{"current": 1.0, "threshold": 0.9})
	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, time.Second, 5*time.Millisecond)
	triaged := f.healer.Anomalies()[0]

	f.signal(t, "cpu.saturation", map[string]any{"current": 3.0, "threshold": 0.9})
	require.Eventually(t, func() bool {
		all := f.healer.Anomalies()
		return len(all) == 1 && all[0].Coalesced == 1
	}, time.Second, 5*time.Millisecond)

	open := f.healer.Open("svc-a")
	require.Len(t, open, 1)
	assert.Equal(t, StateActionExecuting, open[0].State)
	assert.Equal(t, 3.0, open[0].Current)
	assert.Equal(t, 1.0, open[0].Factors.Magnitude)
	assert.Greater(t, open[0].Score, triaged.Score)
	assert.Zero(t, open[0].Factors.Recurrence, "an anomaly does not recur against itself")
	sev, ok := f.healer.MaxOpenSeverity("svc-a")
	assert.True(t, ok)
	assert.Equal(t, open[0].Severity, sev)

	close(f.exec.hold)
	a := f.waitOutcome(t)
	assert.Equal(t, StateResolved, a.State)
	assert.Equal(t, 1, f.exec.callCount())
	assert.Empty(t, f.healer.Open("svc-a"))

	// A later signal opens a fresh anomaly with recurrence counted.
	f.signal(t, "cpu.saturation", nil)
	require.Eventually(t, func() bool {
		all := f.healer.Anomalies()
		return len(all) == 2 && all[1].State != StateDetected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.2, f.healer.Anomalies()[1].Factors.Recurrence)
}

func TestHealer_SerializesHealsPerResource(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.exec.hold = make(chan struct{})

	f.signal(t, "cpu.saturation", nil)
	f.signal(t, "heartbeat.missed", nil)
	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// The second anomaly waits for the resource instead of executing.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.exec.callCount())
	states := map[AnomalyType]State{}
	for _, a := range f.healer.Anomalies() {
		states[a.Type] = a.State
	}
	assert.Equal(t, StateActionExecuting, states[TypeResourcePressure])
	assert.Equal(t, StateTriaged, states[TypeHeartbeatGap])

	close(f.exec.hold)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.outcomes) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.exec.peakOn("svc-a"))
	for _, a := range f.healer.Anomalies() {
		assert.Equal(t, StateResolved, a.State)
	}
}

func TestHealer_CancelWhileWaitingForResource(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.exec.hold = make(chan struct{})

	f.signal(t, "cpu.saturation", nil)
	f.signal(t, "latency.spike", nil)
	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, time.Second, 5*time.Millisecond)

	var waiting string
	require.Eventually(t, func() bool {
		for _, a := range f.healer.Anomalies() {
			if a.Type == TypeLatencySpike && a.State == StateTriaged {
				waiting = a.AnomalyID
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.healer.Cancel(waiting))

	a := f.waitOutcome(t)
	assert.Equal(t, waiting, a.AnomalyID)
	assert.Equal(t, StateFailed, a.State)
	assert.Contains(t, a.Reason, "cancelled waiting for resource")
	close(f.exec.hold)
}

func TestHealer_NoPlaybookEscalates(t *testing.T) {
	f := newHealerFixture(t, noPlaybooks{})

	f.signal(t, "latency.spike", nil)
	a := f.waitOutcome(t)

	assert.Equal(t, StateEscalated, a.State)
	assert.Contains(t, a.Reason, "no playbook")
	assert.NotEmpty(t, a.TaskID)
	assert.Zero(t, f.exec.callCount())

	tasks := f.healer.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, a.AnomalyID, tasks[0].AnomalyID)

	require.Eventually(t, func() bool {
		return len(f.events.ofType(EventHumanNotify)) == 1 &&
			len(f.events.ofType(EventAnomalyEscalated)) == 1 &&
			len(f.events.ofType(EventTaskOpened)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHealer_PlaybookFailureFails(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.exec.err = errors.New("restart refused")

	f.signal(t, "heartbeat.missed", nil)
	a := f.waitOutcome(t)

	assert.Equal(t, StateFailed, a.State)
	assert.Contains(t, a.Reason, "restart refused")
	assert.NotEmpty(t, a.TaskID)
	require.Eventually(t, func() bool { return len(f.events.ofType(EventAnomalyFailed)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHealer_RecoveryTimeoutFails(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.recovery.down.Store(true)

	f.signal(t, "config.drift", map[string]any{"slo_target_ms": 50})
	a := f.waitOutcome(t)

	assert.Equal(t, StateFailed, a.State)
	assert.Contains(t, a.Reason, "not recovered within 50ms")
}

func TestHealer_OpensTaskWhenPlaybookDemands(t *testing.T) {
	f := newHealerFixture(t, nil)

	f.signal(t, "secret.exposed", nil)
	a := f.waitOutcome(t)

	assert.Equal(t, StateResolved, a.State)
	assert.Equal(t, "secret-rotation", a.PlaybookID)
	assert.NotEmpty(t, a.TaskID)
	assert.Len(t, f.healer.Tasks(), 1)
}

func TestHealer_CancelTakesFailurePath(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.exec.hold = make(chan struct{})

	f.signal(t, "queue.backlog", nil)
	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, time.Second, 5*time.Millisecond)

	id := f.exec.calls[0].AnomalyID
	require.NoError(t, f.healer.Cancel(id))
	a := f.waitOutcome(t)
	assert.Equal(t, StateFailed, a.State)
	assert.Contains(t, a.Reason, "cancelled")

	assert.ErrorIs(t, f.healer.Cancel(id), ErrUnknownAnomaly)
}

func TestHealer_DisabledTriggerIgnoresSignals(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.healer.DisableTrigger(TypeSchemaDrift)

	f.signal(t, "config.drift", nil)
	f.signal(t, "cpu.saturation", nil)

	f.waitOutcome(t)
	all := f.healer.Anomalies()
	require.Len(t, all, 1)
	assert.Equal(t, TypeResourcePressure, all[0].Type)

	f.healer.EnableTrigger(TypeSchemaDrift)
	f.signal(t, "config.drift", nil)
	require.Eventually(t, func() bool { return len(f.healer.Anomalies()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestHealer_CloseRejectsSignals(t *testing.T) {
	f := newHealerFixture(t, nil)
	f.healer.Close()

	err := f.healer.HandleSignal(context.Background(), mesh.NewEvent("cpu.saturation", "workload", "detector", "svc-a", 2, nil))
	assert.ErrorIs(t, err, ErrHealerClosed)

	err = f.healer.HandleSignal(context.Background(), mesh.NewEvent("anomaly.resolved", "workload", "detector", "svc-a", 2, nil))
	assert.Error(t, err)
}
