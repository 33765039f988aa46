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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/resilience-engine/pkg/logging"
	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemChaos is the ledger subsystem for closed incidents.
const SubsystemChaos = "chaos"

var (
	// ErrResourceBusy is returned when a resource already has an open incident.
	ErrResourceBusy = errors.New("resource has an open chaos incident")

	// ErrUnknownIncident is returned by Cancel for an id that is not open.
	ErrUnknownIncident = errors.New("unknown or closed chaos incident")

	// ErrNoTarget is returned when no resource is free for a card.
	ErrNoTarget = errors.New("no free resource to drill")
)

// Targets is the live system seen by the harness.
type Targets interface {
	Resources() []string
	Sample(resource string) (map[string]float64, error)
}

// LogSource supplies recent log lines for failure artifacts.
type LogSource interface {
	Since(t time.Time) []logging.LogEntry
}

// HarnessConfig tunes the harness. Zero values are replaced by defaults.
type HarnessConfig struct {
	// GateTimeoutFactor multiplies a card's SLO to bound gates 1-3.
	// Default 2.
	GateTimeoutFactor float64
	// PollInterval for the SLO gate. Default 50ms.
	PollInterval time.Duration
	// StressMin and StressMax bound the cards injected by a stress cycle.
	// Defaults 2 and 3.
	StressMin int
	StressMax int
	// LogLines caps the log artifact. Default 200.
	LogLines int
	// RetainIncidents is how many closed incidents Incidents returns.
	// Default 100.
	RetainIncidents int
	// TickInterval is how often Run consults its scheduler. Default 1s.
	TickInterval time.Duration
}

func (c *HarnessConfig) applyDefaults() {
	if c.GateTimeoutFactor <= 1 {
		c.GateTimeoutFactor = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.StressMin <= 0 {
		c.StressMin = 2
	}
	if c.StressMax < c.StressMin {
		c.StressMax = max(3, c.StressMin)
	}
	if c.LogLines <= 0 {
		c.LogLines = 200
	}
	if c.RetainIncidents <= 0 {
		c.RetainIncidents = 100
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithHarnessLogger sets the logger.
func WithHarnessLogger(l *slog.Logger) HarnessOption {
	return func(h *Harness) { h.logger = l }
}

// WithHarnessMetrics records cycle outcomes and gate latencies.
func WithHarnessMetrics(m *observability.Metrics) HarnessOption {
	return func(h *Harness) { h.metrics = m }
}

// WithHarnessLedger records every closed incident.
func WithHarnessLedger(a ledger.Appender) HarnessOption {
	return func(h *Harness) { h.ledger = a }
}

// WithLogSource attaches recent logs to failed incidents.
func WithLogSource(src LogSource) HarnessOption {
	return func(h *Harness) { h.logs = src }
}

// WithBacklog overrides where backlog items are filed. Defaults to the
// history store when it also implements Backlog.
func WithBacklog(b Backlog) HarnessOption {
	return func(h *Harness) { h.backlog = b }
}

// =============================================================================
// Harness
// =============================================================================

// Harness drills failure cards against the live system and scores how the
// healing loop responds.
//
// # Description
//
// Each drill opens a ChaosIncident, injects a real fault and watches the
// event mesh for the four gates:
//
//  1. trigger_fired: the card's expected anomaly type is detected on the
//     target resource.
//  2. playbook_executed: that anomaly closes after one of the expected
//     playbooks ran to completion.
//  3. remediation_created: a remediation task is opened for the anomaly,
//     when the card requires one.
//  4. slo_met: every verification step holds within slo_target_ms of the
//     injection.
//
// Gates 1-3 are bounded by slo_target_ms x GateTimeoutFactor. Any failed
// gate fails the incident, files a backlog item with logs, the injected
// diff and gate timing, and raises the card's weight for later cycles.
// The fault is always reverted before the incident closes.
//
// # Thread Safety
//
// Safe for concurrent use. A resource carries at most one open incident.
type Harness struct {
	bus      mesh.Publisher
	targets  Targets
	injector Injector
	selector *Selector
	history  History
	backlog  Backlog
	cfg      HarnessConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	ledger  ledger.Appender
	logs    LogSource

	mu       sync.Mutex
	trackers map[string]*tracker // resource -> open incident
	cancels  map[string]context.CancelFunc
	closed   []ChaosIncident
	rotation int
	subs     []string
}

// NewHarness creates a harness.
//
// # Inputs
//   - bus: Mesh to observe. Start subscribes to anomaly and remediation
//     events on it.
//   - targets: Resources and their live metrics.
//   - injector: Applies and reverts faults.
//   - selector: Draws cards for RunCycle.
//   - history: Drill records feeding the selector.
func NewHarness(bus mesh.Publisher, targets Targets, injector Injector, selector *Selector, history History, cfg HarnessConfig, opts ...HarnessOption) *Harness {
	cfg.applyDefaults()
	h := &Harness{
		bus:      bus,
		targets:  targets,
		injector: injector,
		selector: selector,
		history:  history,
		cfg:      cfg,
		logger:   slog.Default(),
		trackers: make(map[string]*tracker),
		cancels:  make(map[string]context.CancelFunc),
	}
	if b, ok := history.(Backlog); ok {
		h.backlog = b
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes the harness to the mesh.
func (h *Harness) Start() error {
	for _, pat := range []string{"anomaly.>", "remediation.>"} {
		id, err := h.bus.Subscribe(pat, h.onEvent)
		if err != nil {
			return fmt.Errorf("chaos subscribe %s: %w", pat, err)
		}
		h.mu.Lock()
		h.subs = append(h.subs, id)
		h.mu.Unlock()
	}
	return nil
}

// Close unsubscribes and cancels open incidents.
func (h *Harness) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	for _, cancel := range h.cancels {
		cancel()
	}
	h.mu.Unlock()
	for _, id := range subs {
		_ = h.bus.Unsubscribe(id)
	}
}

// RunCycle draws and drills cards. A normal cycle drills one card; stress
// mode drills StressMin to StressMax cards concurrently on distinct
// resources.
func (h *Harness) RunCycle(ctx context.Context, stress bool) ([]ChaosIncident, error) {
	ctx, span := otel.Tracer("chaos").Start(ctx, "chaos.RunCycle",
		trace.WithAttributes(attribute.Bool("stress", stress)))
	defer span.End()

	n := 1
	if stress {
		n = h.cfg.StressMin + h.selector.IntN(h.cfg.StressMax-h.cfg.StressMin+1)
	}
	free := h.freeResources()
	if len(free) == 0 {
		return nil, ErrNoTarget
	}
	n = min(n, len(free))

	cards, err := h.selector.PickN(ctx, n, func(picked []FailureCard, next FailureCard) bool {
		if next.Target == "" {
			return true
		}
		for _, p := range picked {
			if p.Target == next.Target {
				return false
			}
		}
		return true
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	plan, err := h.assign(cards, free)
	if err != nil {
		return nil, err
	}

	incidents := make([]ChaosIncident, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plan {
		g.Go(func() error {
			inc, err := h.RunCard(gctx, p.card, p.resource)
			incidents[i] = inc
			return err
		})
	}
	err = g.Wait()

	failed := 0
	for _, inc := range incidents {
		if inc.Outcome != OutcomeSuccess {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("cards", len(plan)), attribute.Int("failed", failed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return incidents, err
}

type assignment struct {
	card     FailureCard
	resource string
}

// assign gives each card a distinct resource. Pinned cards keep their
// target; the rest rotate through free resources.
func (h *Harness) assign(cards []FailureCard, free []string) ([]assignment, error) {
	taken := make(map[string]bool)
	freeSet := make(map[string]bool, len(free))
	for _, r := range free {
		freeSet[r] = true
	}
	plan := make([]assignment, 0, len(cards))
	for _, c := range cards {
		if c.Target == "" {
			continue
		}
		if !freeSet[c.Target] || taken[c.Target] {
			return nil, fmt.Errorf("%w: card %s targets %s", ErrResourceBusy, c.CardID, c.Target)
		}
		taken[c.Target] = true
		plan = append(plan, assignment{card: c, resource: c.Target})
	}

	h.mu.Lock()
	start := h.rotation
	h.rotation++
	h.mu.Unlock()

	for _, c := range cards {
		if c.Target != "" {
			continue
		}
		chosen := ""
		for k := range free {
			r := free[(start+k)%len(free)]
			if !taken[r] {
				chosen = r
				break
			}
		}
		if chosen == "" {
			return nil, fmt.Errorf("%w: card %s", ErrNoTarget, c.CardID)
		}
		taken[chosen] = true
		plan = append(plan, assignment{card: c, resource: chosen})
	}
	return plan, nil
}

func (h *Harness) freeResources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.targets.Resources() {
		if _, busy := h.trackers[r]; !busy {
			out = append(out, r)
		}
	}
	return out
}

// RunCard drills one card against resource and returns the closed
// incident. The error is non-nil only when the drill could not be run or
// recorded; a failed gate is reported through the incident outcome.
func (h *Harness) RunCard(ctx context.Context, card FailureCard, resource string) (ChaosIncident, error) {
	ctx, span := otel.Tracer("chaos").Start(ctx, "chaos.RunCard",
		trace.WithAttributes(
			attribute.String("card_id", card.CardID),
			attribute.String("resource", resource),
		))
	defer span.End()

	inc := ChaosIncident{
		IncidentID: uuid.NewString(),
		CardID:     card.CardID,
		Resource:   resource,
		Outcome:    OutcomePending,
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := newTracker(card)
	tr.incidentID = inc.IncidentID
	h.mu.Lock()
	if _, busy := h.trackers[resource]; busy {
		h.mu.Unlock()
		return inc, fmt.Errorf("%w: %s", ErrResourceBusy, resource)
	}
	h.trackers[resource] = tr
	h.cancels[inc.IncidentID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.trackers, resource)
		delete(h.cancels, inc.IncidentID)
		h.mu.Unlock()
	}()

	logger := h.logger.With("incident_id", inc.IncidentID, "card_id", card.CardID, "resource", resource)
	inc.InjectedAt = time.Now().UTC()
	inj, err := h.injector.Inject(runCtx, card, resource)
	if err != nil {
		logger.Error("chaos injection failed", "error", err)
		inc.Error = "injection: " + err.Error()
		for _, ng := range inc.Gates.named() {
			ng.result.Resolved = true
			ng.result.Detail = "not evaluated: injection failed"
		}
		return h.close(ctx, card, inc, inj, logger)
	}
	logger.Info("chaos fault injected", "injection_method", card.InjectionMethod, "detail", inj.Detail)

	gateBound := time.Duration(float64(card.SLOTarget()) * h.cfg.GateTimeoutFactor)
	inc.Deadline = inc.InjectedAt.Add(gateBound)
	h.evaluate(runCtx, card, resource, tr, &inc)

	if runCtx.Err() != nil && inc.Error == "" {
		inc.Error = "cancelled"
	}
	span.SetAttributes(attribute.Bool("all_gates", inc.Gates.All()))
	return h.close(ctx, card, inc, inj, logger)
}

// evaluate resolves the four gates in order.
func (h *Harness) evaluate(ctx context.Context, card FailureCard, resource string, tr *tracker, inc *ChaosIncident) {
	g := &inc.Gates

	// Gate 1.
	if at, err := tr.wait(ctx, tr.detected, inc.Deadline); err == nil {
		g.TriggerFired = passedAt(at, "")
		inc.MTTD = at.Sub(inc.InjectedAt)
		inc.AnomalyID = tr.anomalyID()
		h.metrics.RecordGateLatency(GateTriggerFired, inc.MTTD.Seconds())
	} else {
		g.TriggerFired = failedWith(h.gateErr(GateTriggerFired, err, inc))
	}

	// Gate 2.
	if g.TriggerFired.Passed {
		at, err := tr.wait(ctx, tr.executed, inc.Deadline)
		switch {
		case err != nil:
			g.PlaybookExecuted = failedWith(h.gateErr(GatePlaybookExecuted, err, inc))
		case tr.playbookOK():
			g.PlaybookExecuted = passedAt(at, tr.playbookID())
			h.metrics.RecordGateLatency(GatePlaybookExecuted, at.Sub(inc.InjectedAt).Seconds())
		default:
			g.PlaybookExecuted = failedWith(tr.playbookDetail())
		}
	} else {
		g.PlaybookExecuted = failedWith("trigger never fired")
	}

	// Gate 3.
	switch {
	case !card.RequiresRemediationTask:
		g.RemediationCreated = passedAt(time.Time{}, "not required")
	case !g.TriggerFired.Passed:
		g.RemediationCreated = failedWith("trigger never fired")
	default:
		if at, err := tr.wait(ctx, tr.tasked, inc.Deadline); err == nil {
			g.RemediationCreated = passedAt(at, tr.taskID())
			h.metrics.RecordGateLatency(GateRemediationCreated, at.Sub(inc.InjectedAt).Seconds())
		} else {
			g.RemediationCreated = failedWith(h.gateErr(GateRemediationCreated, err, inc))
		}
	}

	// Gate 4.
	if at, err := h.pollSLO(ctx, card, resource, inc.InjectedAt.Add(card.SLOTarget())); err == nil {
		g.SLOMet = passedAt(at, "")
		inc.MTTH = at.Sub(inc.InjectedAt)
		h.metrics.RecordGateLatency(GateSLOMet, inc.MTTH.Seconds())
	} else {
		g.SLOMet = failedWith(err.Error())
	}
}

func (h *Harness) gateErr(gate string, err error, inc *ChaosIncident) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return (&GateTimeoutError{Gate: gate, After: inc.Deadline.Sub(inc.InjectedAt)}).Error()
	}
	return err.Error()
}

// pollSLO waits for every verification step to hold, up to deadline.
func (h *Harness) pollSLO(ctx context.Context, card FailureCard, resource string, deadline time.Time) (time.Time, error) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	var last string
	for {
		now := time.Now().UTC()
		metrics, err := h.targets.Sample(resource)
		switch {
		case err != nil:
			last = err.Error()
		case len(unmet(card.VerificationSteps, metrics)) == 0:
			if now.After(deadline) {
				return time.Time{}, fmt.Errorf("slo %dms missed: recovered %v after injection", card.SLOTargetMs, now.Sub(deadline.Add(-card.SLOTarget())).Round(time.Millisecond))
			}
			return now, nil
		default:
			last = strings.Join(unmet(card.VerificationSteps, metrics), ", ")
		}
		if now.After(deadline) {
			return time.Time{}, fmt.Errorf("slo %dms missed: %s", card.SLOTargetMs, last)
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func unmet(steps []Verification, metrics map[string]float64) []string {
	var out []string
	for _, v := range steps {
		actual, ok := metrics[v.Metric]
		if !ok {
			out = append(out, v.Metric+" missing")
			continue
		}
		if !v.Holds(actual) {
			out = append(out, fmt.Sprintf("%s (got %g)", v, actual))
		}
	}
	return out
}

// close reverts the fault and records the incident.
func (h *Harness) close(ctx context.Context, card FailureCard, inc ChaosIncident, inj Injection, logger *slog.Logger) (ChaosIncident, error) {
	ctx = context.WithoutCancel(ctx)
	if err := h.injector.Revert(ctx, inc.Resource); err != nil {
		logger.Error("chaos revert failed", "error", err)
		if inc.Error == "" {
			inc.Error = "revert: " + err.Error()
		}
	}

	inc.ClosedAt = time.Now().UTC()
	inc.Outcome = OutcomeFailed
	if inc.Error == "" && inc.Gates.All() {
		inc.Outcome = OutcomeSuccess
	}
	var errs []error
	if inc.Outcome == OutcomeFailed {
		inc.Artifacts = h.artifacts(inc, inj)
		item := BacklogItem{
			ItemID:      uuid.NewString(),
			CardID:      inc.CardID,
			IncidentID:  inc.IncidentID,
			Resource:    inc.Resource,
			FailedGates: inc.Gates.Failed(),
			Reason:      failureReason(inc),
			Artifacts:   inc.Artifacts,
			CreatedAt:   inc.ClosedAt,
		}
		if h.backlog != nil {
			if err := h.backlog.Add(ctx, item); err != nil {
				errs = append(errs, fmt.Errorf("file backlog item: %w", err))
			}
		}
		logger.Warn("chaos incident failed", "failed_gates", item.FailedGates, "reason", item.Reason)
	} else {
		logger.Info("chaos incident closed", "outcome", inc.Outcome, "mttd_ms", inc.MTTD.Milliseconds(), "mtth_ms", inc.MTTH.Milliseconds())
	}

	if _, err := h.history.Record(ctx, card.CardID, inc.InjectedAt, inc.Outcome == OutcomeSuccess); err != nil {
		errs = append(errs, fmt.Errorf("record drill: %w", err))
	}
	if h.ledger != nil {
		if _, err := h.ledger.Append(ctx, SubsystemChaos, inc); err != nil {
			logger.Warn("chaos incident not recorded", "error", err)
		}
	}
	h.metrics.RecordChaosCycle(string(inc.Outcome))

	h.mu.Lock()
	h.closed = append(h.closed, inc)
	if over := len(h.closed) - h.cfg.RetainIncidents; over > 0 {
		h.closed = append([]ChaosIncident(nil), h.closed[over:]...)
	}
	h.mu.Unlock()
	return inc, errors.Join(errs...)
}

func failureReason(inc ChaosIncident) string {
	if inc.Error != "" {
		return inc.Error
	}
	var parts []string
	for _, ng := range inc.Gates.named() {
		if !ng.result.Passed {
			parts = append(parts, ng.name+": "+ng.result.Detail)
		}
	}
	return strings.Join(parts, "; ")
}

// artifacts gathers logs, the injected diff and gate timing.
func (h *Harness) artifacts(inc ChaosIncident, inj Injection) []Artifact {
	var out []Artifact
	if h.logs != nil {
		var lines []string
		for _, e := range h.logs.Since(inc.InjectedAt) {
			if r, ok := e.Attrs["resource"]; ok && r != inc.Resource {
				continue
			}
			lines = append(lines, e.Line())
		}
		if over := len(lines) - h.cfg.LogLines; over > 0 {
			lines = lines[over:]
		}
		out = append(out, Artifact{Kind: ArtifactLogs, Content: strings.Join(lines, "\n")})
	}
	if inj.Diff != "" {
		out = append(out, Artifact{Kind: ArtifactDiff, Content: inj.Diff})
	}
	timing := map[string]any{
		"injected_at": inc.InjectedAt,
		"deadline":    inc.Deadline,
		"closed_at":   inc.ClosedAt,
		"gates":       inc.Gates,
	}
	if data, err := json.Marshal(timing); err == nil {
		out = append(out, Artifact{Kind: ArtifactTiming, Content: string(data)})
	}
	return out
}

// Cancel aborts an open incident. The incident closes through the same
// path as a failed gate: the fault is reverted, a backlog item is filed and
// the drill counts as a failure in history.
func (h *Harness) Cancel(incidentID string) error {
	h.mu.Lock()
	cancel, ok := h.cancels[incidentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, incidentID)
	}
	cancel()
	return nil
}

// Active returns the ids of open incidents by resource.
func (h *Harness) Active() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.trackers))
	for r, tr := range h.trackers {
		out[r] = tr.incidentID
	}
	return out
}

// Incidents returns recently closed incidents, oldest first.
func (h *Harness) Incidents() []ChaosIncident {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ChaosIncident(nil), h.closed...)
}

// Coverage summarizes how current each card's drills are.
type Coverage struct {
	TotalCards      int `json:"total_cards"`
	DrilledRecently int `json:"drilled_recently"`
	NeverDrilled    int `json:"never_drilled"`
	// NeverDrilledCards lists the card ids counted by NeverDrilled.
	NeverDrilledCards []string `json:"never_drilled_cards"`
	Overdue           []string `json:"overdue"`
}

// Coverage reports drill staleness at now.
func (h *Harness) Coverage(ctx context.Context, now time.Time) (Coverage, error) {
	cards := h.selector.catalog.Cards()
	cov := Coverage{TotalCards: len(cards), NeverDrilledCards: []string{}, Overdue: []string{}}
	for _, card := range cards {
		rec, ok, err := h.history.Get(ctx, card.CardID)
		if err != nil {
			return Coverage{}, err
		}
		switch {
		case !ok || rec.LastDrilled.IsZero():
			cov.NeverDrilledCards = append(cov.NeverDrilledCards, card.CardID)
		case now.Sub(rec.LastDrilled) > card.Category.DrillInterval():
			cov.Overdue = append(cov.Overdue, card.CardID)
		default:
			cov.DrilledRecently++
		}
	}
	cov.NeverDrilled = len(cov.NeverDrilledCards)
	return cov, nil
}

// Backlog lists filed backlog items.
func (h *Harness) Backlog(ctx context.Context) ([]BacklogItem, error) {
	if h.backlog == nil {
		return nil, nil
	}
	return h.backlog.List(ctx)
}

// Run drills a cycle whenever sched says so, until ctx is done.
func (h *Harness) Run(ctx context.Context, sched Scheduler, stress bool) error {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if sched.ShouldRun(time.Now()) {
			incidents, err := h.RunCycle(ctx, stress)
			if err != nil && ctx.Err() == nil {
				h.logger.Error("chaos cycle failed", "error", err)
			}
			for _, inc := range incidents {
				h.logger.Info("chaos cycle incident", "incident_id", inc.IncidentID, "card_id", inc.CardID, "outcome", inc.Outcome)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-sched.Wake():
		}
	}
}

// -----------------------------------------------------------------------------
// Event tracking
// -----------------------------------------------------------------------------

func (h *Harness) onEvent(_ context.Context, e mesh.Event) error {
	h.mu.Lock()
	tr := h.trackers[e.Resource]
	h.mu.Unlock()
	if tr != nil {
		tr.observe(e)
	}
	return nil
}

// tracker follows one incident's anomaly through the mesh.
type tracker struct {
	card       FailureCard
	incidentID string

	detected chan struct{}
	executed chan struct{}
	tasked   chan struct{}

	mu       sync.Mutex
	anomaly  string
	pbID     string
	pbOK     bool
	pbDetail string
	task     string
	times    map[chan struct{}]time.Time
}

func newTracker(card FailureCard) *tracker {
	return &tracker{
		card:     card,
		detected: make(chan struct{}),
		executed: make(chan struct{}),
		tasked:   make(chan struct{}),
		times:    make(map[chan struct{}]time.Time),
	}
}

func (t *tracker) observe(e mesh.Event) {
	anomalyID, _ := e.Payload["anomaly_id"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case detector.EventAnomalyDetected:
		kind, _ := e.Payload["anomaly_type"].(string)
		if t.anomaly == "" && kind == t.card.ExpectedTrigger {
			t.anomaly = anomalyID
			t.fire(t.detected, e.CreatedAt)
		}

	case detector.EventAnomalyResolved, detector.EventAnomalyFailed, detector.EventAnomalyEscalated:
		if t.anomaly == "" || anomalyID != t.anomaly || t.fired(t.executed) {
			return
		}
		t.pbID, _ = e.Payload["playbook_id"].(string)
		succeeded, _ := e.Payload["playbook_succeeded"].(bool)
		switch {
		case t.pbID == "":
			t.pbDetail = "no playbook ran: " + reasonOf(e)
		case !t.card.ExpectsPlaybook(t.pbID):
			t.pbDetail = fmt.Sprintf("playbook %s ran, expected one of %v", t.pbID, t.card.ExpectedPlaybooks)
		case !succeeded:
			t.pbDetail = fmt.Sprintf("playbook %s did not complete: %s", t.pbID, reasonOf(e))
		default:
			t.pbOK = true
		}
		t.fire(t.executed, e.CreatedAt)

	case detector.EventTaskOpened:
		if t.anomaly == "" || anomalyID != t.anomaly || t.fired(t.tasked) {
			return
		}
		t.task, _ = e.Payload["task_id"].(string)
		t.fire(t.tasked, e.CreatedAt)
	}
}

func reasonOf(e mesh.Event) string {
	r, _ := e.Payload["reason"].(string)
	return r
}

// fire closes ch once. Callers hold t.mu.
func (t *tracker) fire(ch chan struct{}, at time.Time) {
	if t.fired(ch) {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.times[ch] = at
	close(ch)
}

func (t *tracker) fired(ch chan struct{}) bool {
	_, ok := t.times[ch]
	return ok
}

// wait blocks until ch fires, deadline passes or ctx is done, and returns
// when the gating event was published.
func (t *tracker) wait(ctx context.Context, ch chan struct{}, deadline time.Time) (time.Time, error) {
	select {
	case <-ch:
		return t.at(ch), nil
	default:
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
		return t.at(ch), nil
	case <-timer.C:
		return time.Time{}, context.DeadlineExceeded
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (t *tracker) at(ch chan struct{}) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.times[ch]
}

func (t *tracker) anomalyID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anomaly
}

func (t *tracker) playbookOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pbOK
}

func (t *tracker) playbookID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pbID
}

func (t *tracker) playbookDetail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pbDetail
}

func (t *tracker) taskID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

func passedAt(at time.Time, detail string) GateResult {
	return GateResult{Passed: true, Resolved: true, At: at, Detail: detail}
}

func failedWith(detail string) GateResult {
	return GateResult{Resolved: true, Detail: detail}
}
