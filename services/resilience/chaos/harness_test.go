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
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/pkg/logging"
	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeTargets struct {
	mu      sync.Mutex
	metrics map[string]map[string]float64
}

func newFakeTargets(resources ...string) *fakeTargets {
	f := &fakeTargets{metrics: make(map[string]map[string]float64)}
	for _, r := range resources {
		f.metrics[r] = map[string]float64{"config_invalid": 0, "log_secrets": 0, "heartbeat_age_ms": 10}
	}
	return f
}

func (f *fakeTargets) Resources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.metrics))
	for r := range f.metrics {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (f *fakeTargets) Sample(resource string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.metrics[resource]
	if !ok {
		return nil, errors.New("unknown resource")
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTargets) set(resource, metric string, v float64) {
	f.mu.Lock()
	f.metrics[resource][metric] = v
	f.mu.Unlock()
}

// fakeInjector breaks a metric and hands the fault to react, which plays
// the healing loop.
type fakeInjector struct {
	targets *fakeTargets
	react   func(card FailureCard, resource string)

	mu       sync.Mutex
	injected []string
	reverted []string
}

func (f *fakeInjector) Inject(_ context.Context, card FailureCard, resource string) (Injection, error) {
	f.mu.Lock()
	f.injected = append(f.injected, card.CardID+"@"+resource)
	f.mu.Unlock()
	for _, v := range card.VerificationSteps {
		f.targets.set(resource, v.Metric, v.Value+1000)
	}
	if f.react != nil {
		go f.react(card, resource)
	}
	return Injection{Diff: "-max_connections: 100\n+max_connections: -1\n", Detail: "test fault"}, nil
}

func (f *fakeInjector) Revert(_ context.Context, resource string) error {
	f.mu.Lock()
	f.reverted = append(f.reverted, resource)
	f.mu.Unlock()
	return nil
}

func (f *fakeInjector) revertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reverted)
}

// -----------------------------------------------------------------------------
// Fixture
// -----------------------------------------------------------------------------

type harnessFixture struct {
	mesh     *mesh.Mesh
	ledger   *ledger.Ledger
	targets  *fakeTargets
	injector *fakeInjector
	store    *MemoryStore
	metrics  *observability.Metrics
	harness  *Harness
}

func testCard(id, trigger, playbookID string, sloMs int) FailureCard {
	return FailureCard{
		CardID:            id,
		Category:          CategoryHigh,
		RiskWeight:        1,
		InjectionMethod:   InjectCorruptConfig,
		ExpectedTrigger:   trigger,
		ExpectedPlaybooks: []string{playbookID},
		VerificationSteps: []Verification{{Metric: "config_invalid", Op: "==", Value: 0}},
		SLOTargetMs:       sloMs,
	}
}

func newHarnessFixture(t *testing.T, cards []FailureCard, resources ...string) *harnessFixture {
	t.Helper()
	if len(resources) == 0 {
		resources = []string{"api"}
	}
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	trust := governance.NewTrustTable(map[string]float64{"healer": 0.9}, 0.1)
	m, err := mesh.New(governance.NewGate(l, trust), mesh.Config{}, mesh.WithLedger(l))
	require.NoError(t, err)

	catalog, err := NewCatalog(cards...)
	require.NoError(t, err)

	f := &harnessFixture{
		mesh:    m,
		ledger:  l,
		targets: newFakeTargets(resources...),
		store:   NewMemoryStore(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.injector = &fakeInjector{targets: f.targets}
	ring := logging.NewRingExporter(64)
	f.harness = NewHarness(m, f.targets, f.injector, NewSelector(catalog, f.store, 3), f.store,
		HarnessConfig{PollInterval: 5 * time.Millisecond, TickInterval: 10 * time.Millisecond},
		WithHarnessMetrics(f.metrics),
		WithHarnessLedger(l),
		WithLogSource(ring),
	)
	require.NoError(t, f.harness.Start())
	t.Cleanup(func() {
		f.harness.Close()
		_ = m.Close()
		_ = l.Close()
	})
	return f
}

// emit publishes an outcome event the way the healer does.
func (f *harnessFixture) emit(t *testing.T, eventType, resource string, payload map[string]any) {
	t.Helper()
	v, err := f.mesh.Publish(context.Background(), mesh.NewEvent(eventType, "healer", "healer", resource, 1, payload))
	if assert.NoError(t, err) {
		assert.True(t, v.Allowed(), v.Reason)
	}
}

// heal plays a successful healing loop for card on resource.
func (f *harnessFixture) heal(t *testing.T, withTask bool) func(FailureCard, string) {
	return func(card FailureCard, resource string) {
		id := uuid.NewString()
		time.Sleep(10 * time.Millisecond)
		f.emit(t, detector.EventAnomalyDetected, resource, map[string]any{
			"anomaly_id": id, "anomaly_type": card.ExpectedTrigger,
		})
		if withTask {
			f.emit(t, detector.EventTaskOpened, resource, map[string]any{
				"anomaly_id": id, "task_id": "task-1",
			})
		}
		for _, v := range card.VerificationSteps {
			f.targets.set(resource, v.Metric, v.Value)
		}
		f.emit(t, detector.EventAnomalyResolved, resource, map[string]any{
			"anomaly_id": id, "playbook_id": card.ExpectedPlaybooks[0], "playbook_succeeded": true,
		})
	}
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestHarness_AllGatesPass(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 1000)
	f := newHarnessFixture(t, []FailureCard{card})
	f.injector.react = f.heal(t, false)

	inc, err := f.harness.RunCard(context.Background(), card, "api")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, inc.Outcome, "gates: %+v", inc.Gates)
	assert.True(t, inc.Gates.TriggerFired.Passed)
	assert.True(t, inc.Gates.PlaybookExecuted.Passed)
	assert.Equal(t, "not required", inc.Gates.RemediationCreated.Detail)
	assert.True(t, inc.Gates.SLOMet.Passed)
	assert.NotEmpty(t, inc.AnomalyID)
	assert.LessOrEqual(t, inc.MTTH, time.Second)
	assert.Empty(t, inc.Artifacts)
	assert.Equal(t, 1, f.injector.revertedCount())

	rec, ok, err := f.store.Get(context.Background(), "CE001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Drills)
	assert.Equal(t, 0, rec.ConsecutiveFailures)

	items, err := f.harness.Backlog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChaosCycles.WithLabelValues("success")))

	entries, err := f.ledger.Entries(context.Background(), 0, 0)
	require.NoError(t, err)
	var chaosEntries int
	for _, e := range entries {
		if e.Subsystem == SubsystemChaos {
			chaosEntries++
		}
	}
	assert.Equal(t, 1, chaosEntries)
}

func TestHarness_TriggerNeverFiresFilesBacklog(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 100)
	f := newHarnessFixture(t, []FailureCard{card})

	before := weightOf(t, f.harness.selector, "CE001")
	inc, err := f.harness.RunCard(context.Background(), card, "api")
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, inc.Outcome)
	assert.False(t, inc.Gates.TriggerFired.Passed)
	assert.Contains(t, inc.Gates.TriggerFired.Detail, "gate trigger_fired timed out")
	assert.False(t, inc.Gates.PlaybookExecuted.Passed)
	assert.False(t, inc.Gates.SLOMet.Passed)
	assert.Equal(t, 1, f.injector.revertedCount())

	items, err := f.harness.Backlog(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, "CE001", item.CardID)
	assert.Equal(t, inc.IncidentID, item.IncidentID)
	assert.Contains(t, item.FailedGates, GateTriggerFired)
	assert.NotContains(t, item.FailedGates, GateRemediationCreated)

	kinds := map[string]bool{}
	for _, a := range item.Artifacts {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[ArtifactLogs])
	assert.True(t, kinds[ArtifactDiff])
	assert.True(t, kinds[ArtifactTiming])

	assert.Greater(t, weightOf(t, f.harness.selector, "CE001"), before/2,
		"a failed drill must weigh more than a fresh successful one")
	rec, _, _ := f.store.Get(context.Background(), "CE001")
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChaosCycles.WithLabelValues("failed")))
}

func TestHarness_WrongPlaybookFailsGate(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 300)
	f := newHarnessFixture(t, []FailureCard{card})
	f.injector.react = func(card FailureCard, resource string) {
		id := uuid.NewString()
		f.emit(t, detector.EventAnomalyDetected, resource, map[string]any{"anomaly_id": id, "anomaly_type": "schema_drift"})
		f.targets.set(resource, "config_invalid", 0)
		f.emit(t, detector.EventAnomalyResolved, resource, map[string]any{
			"anomaly_id": id, "playbook_id": "heartbeat-recovery", "playbook_succeeded": true,
		})
	}

	inc, err := f.harness.RunCard(context.Background(), card, "api")
	require.NoError(t, err)
	assert.True(t, inc.Gates.TriggerFired.Passed)
	assert.False(t, inc.Gates.PlaybookExecuted.Passed)
	assert.Contains(t, inc.Gates.PlaybookExecuted.Detail, "heartbeat-recovery")
	assert.True(t, inc.Gates.SLOMet.Passed)
	assert.Equal(t, OutcomeFailed, inc.Outcome)
}

func TestHarness_OtherResourceEventsIgnored(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 100)
	f := newHarnessFixture(t, []FailureCard{card}, "api", "worker")
	f.injector.react = func(card FailureCard, _ string) {
		f.emit(t, detector.EventAnomalyDetected, "worker", map[string]any{
			"anomaly_id": uuid.NewString(), "anomaly_type": "schema_drift",
		})
	}

	inc, err := f.harness.RunCard(context.Background(), card, "api")
	require.NoError(t, err)
	assert.False(t, inc.Gates.TriggerFired.Passed)
}

func TestHarness_RemediationTaskGate(t *testing.T) {
	card := testCard("SEC001", "secret_leak", "secret-rotation", 1000)
	card.RequiresRemediationTask = true
	card.VerificationSteps = []Verification{{Metric: "log_secrets", Op: "==", Value: 0}}

	t.Run("task opened", func(t *testing.T) {
		f := newHarnessFixture(t, []FailureCard{card})
		f.injector.react = f.heal(t, true)
		inc, err := f.harness.RunCard(context.Background(), card, "api")
		require.NoError(t, err)
		assert.True(t, inc.Gates.RemediationCreated.Passed)
		assert.Equal(t, "task-1", inc.Gates.RemediationCreated.Detail)
		assert.Equal(t, OutcomeSuccess, inc.Outcome)
	})

	t.Run("no task", func(t *testing.T) {
		short := card
		short.SLOTargetMs = 200
		f := newHarnessFixture(t, []FailureCard{short})
		f.injector.react = f.heal(t, false)
		inc, err := f.harness.RunCard(context.Background(), short, "api")
		require.NoError(t, err)
		assert.True(t, inc.Gates.PlaybookExecuted.Passed)
		assert.False(t, inc.Gates.RemediationCreated.Passed)
		assert.Equal(t, OutcomeFailed, inc.Outcome)
	})
}

func TestHarness_CancelClosesAsFailure(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 10000)
	f := newHarnessFixture(t, []FailureCard{card})

	done := make(chan ChaosIncident, 1)
	go func() {
		inc, _ := f.harness.RunCard(context.Background(), card, "api")
		done <- inc
	}()

	var id string
	require.Eventually(t, func() bool {
		id = f.harness.Active()["api"]
		return id != ""
	}, time.Second, 5*time.Millisecond)

	_, err := f.harness.RunCard(context.Background(), card, "api")
	assert.ErrorIs(t, err, ErrResourceBusy)

	require.NoError(t, f.harness.Cancel(id))
	var inc ChaosIncident
	select {
	case inc = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("incident not closed after cancel")
	}
	assert.Equal(t, OutcomeFailed, inc.Outcome)
	assert.Equal(t, "cancelled", inc.Error)
	assert.Equal(t, 1, f.injector.revertedCount())

	rec, ok, err := f.store.Get(context.Background(), "CE001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Drills)
	assert.Equal(t, 1, rec.ConsecutiveFailures)

	items, err := f.harness.Backlog(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, inc.IncidentID, items[0].IncidentID)
	assert.Equal(t, "cancelled", items[0].Reason)
	assert.ErrorIs(t, f.harness.Cancel(id), ErrUnknownIncident)
}

func TestHarness_StressCycleUsesDistinctResources(t *testing.T) {
	cards := []FailureCard{
		testCard("A1", "schema_drift", "config-rollback", 1000),
		testCard("A2", "schema_drift", "config-rollback", 1000),
		testCard("A3", "schema_drift", "config-rollback", 1000),
	}
	f := newHarnessFixture(t, cards, "api", "worker", "cache")
	f.injector.react = f.heal(t, false)

	incidents, err := f.harness.RunCycle(context.Background(), true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(incidents), 2)
	require.LessOrEqual(t, len(incidents), 3)

	resources := map[string]bool{}
	for _, inc := range incidents {
		assert.False(t, resources[inc.Resource], "resource %s drilled twice", inc.Resource)
		resources[inc.Resource] = true
		assert.Equal(t, OutcomeSuccess, inc.Outcome, "%s: %+v", inc.CardID, inc.Gates)
	}
	assert.Len(t, f.harness.Incidents(), len(incidents))
}

func TestHarness_Coverage(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	f := newHarnessFixture(t, catalog.Cards())
	now := time.Now()
	f.store.Seed(DrillRecord{CardID: "CE001", LastDrilled: now.Add(-time.Hour)})
	f.store.Seed(DrillRecord{CardID: "HB001", LastDrilled: now.Add(-4 * 24 * time.Hour)})
	f.store.Seed(DrillRecord{CardID: "LAT001", LastDrilled: now.Add(-10 * 24 * time.Hour)})

	cov, err := f.harness.Coverage(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 6, cov.TotalCards)
	assert.Equal(t, 2, cov.DrilledRecently)
	assert.Equal(t, []string{"HB001"}, cov.Overdue)
	assert.Equal(t, 3, cov.NeverDrilled)
	assert.ElementsMatch(t, []string{"SEC001", "CPU001", "Q001"}, cov.NeverDrilledCards)
}

func TestHarness_RunWithManualScheduler(t *testing.T) {
	card := testCard("CE001", "schema_drift", "config-rollback", 1000)
	f := newHarnessFixture(t, []FailureCard{card})
	f.injector.react = f.heal(t, false)

	sched := NewManualScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.harness.Run(ctx, sched, false) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.harness.Incidents())

	sched.Trigger()
	require.Eventually(t, func() bool { return len(f.harness.Incidents()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
