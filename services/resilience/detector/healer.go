// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detector turns anomaly signals into healed resources.
//
// # Description
//
// The Sampler watches workload metrics against EWMA baselines and publishes
// signal events on the mesh. The Healer subscribes to those signals and
// drives each anomaly through its lifecycle:
//
//	DETECTED -> TRIAGED -> ACTION_PLANNED -> ACTION_EXECUTING -> RESOLVED
//	                                      \-> ESCALATED        \-> FAILED
//
// A signal that arrives while an anomaly for the same (resource, anomaly
// type) is still open is coalesced into it. Healing on one resource is
// exclusive: a heal holds the resource lock from planning until its terminal
// state, so anomalies of different types on the same resource queue in
// TRIAGED. Outcome events are published back onto the mesh.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
	"github.com/AleutianAI/resilience-engine/services/resilience/playbook"
)

// SubsystemDetector tags ledger entries written by the healer.
const SubsystemDetector = "detector"

// Outcome event types published by the healer.
const (
	EventAnomalyDetected  = "anomaly.detected"
	EventAnomalyResolved  = "anomaly.resolved"
	EventAnomalyEscalated = "anomaly.escalated"
	EventAnomalyFailed    = "anomaly.failed"
	EventHumanNotify      = "human.notify"
	EventTaskOpened       = "remediation.task_opened"
)

var (
	// ErrUnknownAnomaly is returned by Cancel for an id with no running heal.
	ErrUnknownAnomaly = errors.New("unknown or closed anomaly")
	// ErrHealerClosed is returned after Close.
	ErrHealerClosed = errors.New("healer closed")
)

// Bus is the part of the mesh the healer uses.
type Bus interface {
	mesh.Publisher
}

// Executor runs a playbook. *playbook.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, pb *playbook.Playbook, t playbook.Target) (playbook.Result, error)
}

// Selector picks the playbook for an anomaly. *playbook.Catalog satisfies it.
type Selector interface {
	Select(t playbook.Target) (*playbook.Playbook, error)
}

// Recovery reports whether a resource has recovered. *Sampler satisfies it.
type Recovery interface {
	Recovered(resource string, t AnomalyType) (bool, error)
}

// OutcomeFunc observes every anomaly that reaches a terminal state. res is
// nil when no playbook ran.
type OutcomeFunc func(a Anomaly, res *playbook.Result)

// HealerConfig tunes the healer. Zero values are replaced by defaults.
type HealerConfig struct {
	// RecoveryTimeout bounds the post-action recovery check. A signal may
	// override it with payload["slo_target_ms"]. Default 10s.
	RecoveryTimeout time.Duration
	// RecoveryInterval between recovery checks. Default 100ms.
	RecoveryInterval time.Duration
	// RecurrenceWindow for the recurrence factor. Default 24h.
	RecurrenceWindow time.Duration
	// Criticality per resource in [0,1]. Unlisted resources score 0.5.
	Criticality map[string]float64
	Weights     Weights
	// Actor and Source stamp outcome events.
	Actor  string
	Source string
}

func (c *HealerConfig) applyDefaults() {
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 100 * time.Millisecond
	}
	if c.RecurrenceWindow <= 0 {
		c.RecurrenceWindow = 24 * time.Hour
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.Actor == "" {
		c.Actor = "healer"
	}
	if c.Source == "" {
		c.Source = "healer"
	}
}

// HealerOption configures a Healer.
type HealerOption func(*Healer)

// WithHealerLogger sets the logger.
func WithHealerLogger(logger *slog.Logger) HealerOption {
	return func(h *Healer) { h.logger = logger }
}

// WithHealerMetrics sets the metrics sink.
func WithHealerMetrics(m *observability.Metrics) HealerOption {
	return func(h *Healer) { h.metrics = m }
}

// WithHealerLedger records anomaly transitions in the ledger.
func WithHealerLedger(l ledger.Appender) HealerOption {
	return func(h *Healer) { h.ledger = l }
}

// WithHealerClock overrides time.Now.
func WithHealerClock(clock func() time.Time) HealerOption {
	return func(h *Healer) { h.clock = clock }
}

// WithOutcome registers an observer for terminal anomalies.
func WithOutcome(fn OutcomeFunc) HealerOption {
	return func(h *Healer) { h.outcomes = append(h.outcomes, fn) }
}

// Healer owns the anomaly lifecycle.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Healing runs execute on their
// own goroutines; Close waits for them.
type Healer struct {
	bus      Bus
	selector Selector
	exec     Executor
	recovery Recovery
	cfg      HealerConfig
	ledger   ledger.Appender
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
	outcomes []OutcomeFunc

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	anomalies map[string]*Anomaly
	order     []string
	open      map[string]string
	resLocks  map[string]chan struct{}
	cancels   map[string]context.CancelFunc
	disabled  map[AnomalyType]bool
	tasks     []RemediationTask
	subs      []string
	closed    bool
}

// NewHealer creates a healer. Call Start to subscribe to signals.
func NewHealer(bus Bus, selector Selector, exec Executor, recovery Recovery, cfg HealerConfig, opts ...HealerOption) *Healer {
	cfg.applyDefaults()
	h := &Healer{
		bus:       bus,
		selector:  selector,
		exec:      exec,
		recovery:  recovery,
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     time.Now,
		anomalies: make(map[string]*Anomaly),
		open:      make(map[string]string),
		resLocks:  make(map[string]chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
		disabled:  make(map[AnomalyType]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "healer")
	h.root, h.stop = context.WithCancel(context.Background())
	return h
}

// Start subscribes to every signal event type.
func (h *Healer) Start() error {
	for _, t := range AnomalyTypes() {
		id, err := h.bus.Subscribe(t.SignalEvent(), h.HandleSignal)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", t.SignalEvent(), err)
		}
		h.mu.Lock()
		h.subs = append(h.subs, id)
		h.mu.Unlock()
	}
	return nil
}

// Close unsubscribes, cancels running heals and waits for them.
func (h *Healer) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, id := range subs {
		_ = h.bus.Unsubscribe(id)
	}
	h.stop()
	h.wg.Wait()
}

// DisableTrigger makes the healer ignore signals of type t.
func (h *Healer) DisableTrigger(t AnomalyType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled[t] = true
	h.logger.Warn("trigger disabled", "anomaly_type", t)
}

// EnableTrigger undoes DisableTrigger.
func (h *Healer) EnableTrigger(t AnomalyType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.disabled, t)
}

// HandleSignal is the mesh handler for signal events.
//
// # Description
//
// Creates and triages a new anomaly, or coalesces the signal into the open
// anomaly for the same (resource, type). New anomalies are healed on their
// own goroutine so the subscription keeps draining.
func (h *Healer) HandleSignal(ctx context.Context, e mesh.Event) error {
	t, ok := TypeForEvent(e.Type)
	if !ok {
		return fmt.Errorf("not a signal event: %s", e.Type)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHealerClosed
	}
	if h.disabled[t] {
		h.mu.Unlock()
		h.logger.Debug("signal ignored, trigger disabled", "event_id", e.EventID, "anomaly_type", t)
		return nil
	}
	if id, open := h.open[anomalyKey(e.Resource, t)]; open {
		a := h.anomalies[id]
		now := h.clock()
		if cur, ok := payloadFloat(e.Payload, "current"); ok {
			a.Current = cur
		}
		a.Factors = ComputeFactors(h.signalInputLocked(e, t, now, id))
		a.Score = h.cfg.Weights.Score(a.Factors)
		a.Coalesced++
		a.UpdatedAt = now
		score := a.Score
		h.mu.Unlock()
		h.logger.Info("signal coalesced",
			"anomaly_id", id, "resource", e.Resource, "event_id", e.EventID, "score", score)
		return nil
	}

	now := h.clock()
	a := &Anomaly{
		AnomalyID:  uuid.NewString(),
		Type:       t,
		Resource:   e.Resource,
		DetectedAt: now,
		UpdatedAt:  now,
		State:      StateDetected,
		SourceID:   e.EventID,
	}
	a.Baseline, _ = payloadFloat(e.Payload, "baseline")
	a.Current, _ = payloadFloat(e.Payload, "current")
	in := h.signalInputLocked(e, t, now, "")
	h.anomalies[a.AnomalyID] = a
	h.order = append(h.order, a.AnomalyID)
	h.open[a.key()] = a.AnomalyID
	runCtx, cancel := context.WithCancel(h.root)
	h.cancels[a.AnomalyID] = cancel
	h.wg.Add(1)
	detected := *a
	h.mu.Unlock()

	h.metrics.RecordAnomaly(string(t), string(StateDetected))
	h.audit(ctx, detected)

	// Triage is deterministic in the signal input.
	factors := ComputeFactors(in)
	score := h.cfg.Weights.Score(factors)
	h.mu.Lock()
	a.Factors = factors
	a.Score = score
	a.Severity = SeverityForScore(score)
	h.mu.Unlock()
	h.transition(ctx, a, StateTriaged, "")
	h.mu.Lock()
	triaged := *a
	h.mu.Unlock()
	h.publish(ctx, &triaged, EventAnomalyDetected, 1, nil)

	recoveryTimeout := h.cfg.RecoveryTimeout
	if ms, ok := payloadFloat(e.Payload, "slo_target_ms"); ok && ms > 0 {
		recoveryTimeout = time.Duration(ms) * time.Millisecond
	}

	go func() {
		defer h.wg.Done()
		defer cancel()
		h.heal(runCtx, a, recoveryTimeout)
	}()
	return nil
}

// signalInputLocked builds the scorer input for e. self is the anomaly the
// signal belongs to, excluded from the recurrence and correlation counts.
func (h *Healer) signalInputLocked(e mesh.Event, t AnomalyType, now time.Time, self string) SignalInput {
	in := SignalInput{
		Priority:    e.Priority,
		Affected:    -1,
		Criticality: 0.5,
	}
	if c, ok := h.cfg.Criticality[e.Resource]; ok {
		in.Criticality = c
	}
	in.Current, _ = payloadFloat(e.Payload, "current")
	in.Threshold, _ = payloadFloat(e.Payload, "threshold")
	if ms, ok := payloadFloat(e.Payload, "age_ms"); ok {
		in.Age = time.Duration(ms) * time.Millisecond
	} else if !e.CreatedAt.IsZero() && now.After(e.CreatedAt) {
		in.Age = now.Sub(e.CreatedAt)
	}
	if n, ok := payloadFloat(e.Payload, "affected"); ok {
		in.Affected = int(n)
	}
	if v, ok := payloadFloat(e.Payload, "trend"); ok {
		in.Trend = &v
	}
	if v, ok := payloadFloat(e.Payload, "confidence"); ok {
		in.Confidence = &v
	}
	since := now.Add(-h.cfg.RecurrenceWindow)
	for _, id := range h.order {
		prev := h.anomalies[id]
		if id == self || prev.Resource != e.Resource {
			continue
		}
		if prev.Type == t && prev.DetectedAt.After(since) {
			in.Prior++
		}
		if prev.Type != t && !prev.State.Terminal() {
			in.OpenOnResource++
		}
	}
	return in
}

// heal runs the planned playbook and the recovery check under the resource
// lock.
func (h *Healer) heal(ctx context.Context, a *Anomaly, recoveryTimeout time.Duration) {
	if err := h.lockResource(ctx, a.Resource); err != nil {
		h.fail(ctx, a, "cancelled waiting for resource: "+err.Error(), nil)
		return
	}
	defer h.unlockResource(a.Resource)

	h.mu.Lock()
	target := playbook.Target{
		AnomalyID: a.AnomalyID,
		Type:      string(a.Type),
		Resource:  a.Resource,
		Severity:  a.Severity,
		Score:     a.Score,
	}
	h.mu.Unlock()
	pb, err := h.selector.Select(target)
	if err != nil {
		h.setPlaybook(a, "")
		h.transition(ctx, a, StateActionPlanned, "")
		h.escalate(ctx, a, fmt.Sprintf("no playbook for %s: %v", a.Type, err), nil)
		return
	}
	h.setPlaybook(a, pb.ID)
	h.transition(ctx, a, StateActionPlanned, "")
	h.transition(ctx, a, StateActionExecuting, "")

	res, err := h.exec.Execute(ctx, pb, target)
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled: " + reason
		}
		h.fail(ctx, a, reason, &res)
		return
	}
	if res.OpensTask {
		h.openTask(ctx, a, "playbook "+pb.ID+" requires follow-up")
	}

	if err := h.awaitRecovery(ctx, a, recoveryTimeout); err != nil {
		h.fail(ctx, a, err.Error(), &res)
		return
	}
	h.finish(ctx, a, StateResolved, "recovered", EventAnomalyResolved, 1, &res)
}

func (h *Healer) lockResource(ctx context.Context, resource string) error {
	h.mu.Lock()
	l, ok := h.resLocks[resource]
	if !ok {
		l = make(chan struct{}, 1)
		h.resLocks[resource] = l
	}
	h.mu.Unlock()
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Healer) unlockResource(resource string) {
	h.mu.Lock()
	l := h.resLocks[resource]
	h.mu.Unlock()
	<-l
}

func (h *Healer) awaitRecovery(ctx context.Context, a *Anomaly, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(h.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		ok, err := h.recovery.Recovered(a.Resource, a.Type)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("recovery check cancelled: %w", ctx.Err())
		case <-deadline.C:
			if err != nil {
				return fmt.Errorf("recovery check: %w", err)
			}
			return fmt.Errorf("not recovered within %v", timeout)
		case <-ticker.C:
		}
	}
}

func (h *Healer) fail(ctx context.Context, a *Anomaly, reason string, res *playbook.Result) {
	h.openTask(ctx, a, reason)
	h.notifyHuman(ctx, a, reason)
	h.finish(ctx, a, StateFailed, reason, EventAnomalyFailed, 2, res)
}

func (h *Healer) escalate(ctx context.Context, a *Anomaly, reason string, res *playbook.Result) {
	h.openTask(ctx, a, reason)
	h.notifyHuman(ctx, a, reason)
	h.finish(ctx, a, StateEscalated, reason, EventAnomalyEscalated, 2, res)
}

func (h *Healer) finish(ctx context.Context, a *Anomaly, state State, reason, eventType string, priority int, res *playbook.Result) {
	h.transition(ctx, a, state, reason)

	h.mu.Lock()
	delete(h.open, a.key())
	delete(h.cancels, a.AnomalyID)
	a.ClosedAt = h.clock()
	snapshot := *a
	h.mu.Unlock()

	extra := map[string]any{}
	if res != nil {
		extra["playbook_succeeded"] = res.Succeeded
		extra["steps"] = len(res.Actions)
	}
	h.publish(ctx, &snapshot, eventType, priority, extra)
	for _, fn := range h.outcomes {
		fn(snapshot, res)
	}
}

func (h *Healer) openTask(ctx context.Context, a *Anomaly, reason string) {
	h.mu.Lock()
	task := RemediationTask{
		TaskID:    uuid.NewString(),
		AnomalyID: a.AnomalyID,
		Resource:  a.Resource,
		Type:      a.Type,
		Reason:    reason,
		CreatedAt: h.clock(),
	}
	h.tasks = append(h.tasks, task)
	a.TaskID = task.TaskID
	snapshot := *a
	h.mu.Unlock()

	h.logger.Warn("remediation task opened", "task_id", task.TaskID, "anomaly_id", a.AnomalyID, "reason", reason)
	h.publish(ctx, &snapshot, EventTaskOpened, 2, map[string]any{"task_id": task.TaskID})
}

func (h *Healer) notifyHuman(ctx context.Context, a *Anomaly, reason string) {
	h.mu.Lock()
	snapshot := *a
	h.mu.Unlock()
	h.publish(ctx, &snapshot, EventHumanNotify, 2, map[string]any{"message": reason})
}

func (h *Healer) setPlaybook(a *Anomaly, id string) {
	h.mu.Lock()
	a.PlaybookID = id
	h.mu.Unlock()
}

// transition moves a to next. Illegal transitions are logged and ignored.
func (h *Healer) transition(ctx context.Context, a *Anomaly, next State, reason string) {
	h.mu.Lock()
	if !a.State.CanTransition(next) {
		from := a.State
		h.mu.Unlock()
		h.logger.Error("illegal anomaly transition", "anomaly_id", a.AnomalyID, "from", from, "to", next)
		return
	}
	a.State = next
	a.UpdatedAt = h.clock()
	if reason != "" {
		a.Reason = reason
	}
	snapshot := *a
	h.mu.Unlock()

	h.metrics.RecordAnomaly(string(a.Type), string(next))
	h.logger.Info("anomaly transition",
		"anomaly_id", a.AnomalyID, "resource", a.Resource, "anomaly_type", a.Type,
		"state", next, "severity", snapshot.Severity)
	h.audit(ctx, snapshot)
}

// audit is best effort: a halted ledger must not stop healing, and the
// playbook engine refuses to act on an unrecorded step anyway.
func (h *Healer) audit(ctx context.Context, a Anomaly) {
	if h.ledger == nil {
		return
	}
	if _, err := h.ledger.Append(context.WithoutCancel(ctx), SubsystemDetector, a); err != nil {
		h.logger.Warn("anomaly transition not recorded", "anomaly_id", a.AnomalyID, "error", err)
	}
}

func (h *Healer) publish(ctx context.Context, a *Anomaly, eventType string, priority int, extra map[string]any) {
	payload := map[string]any{
		"anomaly_id":   a.AnomalyID,
		"anomaly_type": string(a.Type),
		"severity":     a.Severity,
		"score":        a.Score,
		"state":        string(a.State),
		"playbook_id":  a.PlaybookID,
		"reason":       a.Reason,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e := mesh.NewEvent(eventType, h.cfg.Source, h.cfg.Actor, a.Resource, priority, payload)
	v, err := h.bus.Publish(context.WithoutCancel(ctx), e)
	if err != nil {
		h.logger.Warn("outcome event not published", "event_type", eventType, "anomaly_id", a.AnomalyID, "error", err)
		return
	}
	if !v.Allowed() {
		h.logger.Warn("outcome event held by governance", "event_type", eventType, "decision", v.Decision, "reason", v.Reason)
	}
}

// Cancel stops a running heal. The playbook rolls back as on failure.
func (h *Healer) Cancel(anomalyID string) error {
	h.mu.Lock()
	cancel, ok := h.cancels[anomalyID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAnomaly, anomalyID)
	}
	cancel()
	h.logger.Warn("heal cancelled by operator", "anomaly_id", anomalyID)
	return nil
}

// Anomaly returns a snapshot of one anomaly.
func (h *Healer) Anomaly(id string) (Anomaly, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.anomalies[id]
	if !ok {
		return Anomaly{}, false
	}
	return *a, true
}

// Anomalies returns snapshots in detection order.
func (h *Healer) Anomalies() []Anomaly {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Anomaly, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.anomalies[id])
	}
	return out
}

// Open returns the non-terminal anomalies on resource, highest severity
// first.
func (h *Healer) Open(resource string) []Anomaly {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Anomaly
	for _, id := range h.open {
		if a := h.anomalies[id]; a.Resource == resource {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

// MaxOpenSeverity is the highest severity among open anomalies on
// resource, and false if there are none.
func (h *Healer) MaxOpenSeverity(resource string) (int, bool) {
	open := h.Open(resource)
	if len(open) == 0 {
		return 0, false
	}
	return open[0].Severity, true
}

// Tasks returns every remediation task opened so far.
func (h *Healer) Tasks() []RemediationTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RemediationTask(nil), h.tasks...)
}

// Wait blocks until no heal is running. Intended for tests and shutdown.
func (h *Healer) Wait() { h.wg.Wait() }
