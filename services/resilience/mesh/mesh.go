// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mesh is the governed publish/subscribe router.
//
// # Description
//
// Publish validates the event schema, asks the governance gate for a
// verdict, and only then delivers. Denied events are dropped. Escalated
// events wait in a pending set until approved or expired.
//
// Each subscription owns a buffered channel and one worker goroutine that
// reads it and calls the handler. A handler that fails or panics affects
// only its own subscription. Because one worker serves each subscription,
// events from the same source and type reach a handler in publish order.
// No order is promised across subscriptions.
//
// Unsubscribe closes the subscription's channel; the worker drains what
// was already queued and exits.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemMesh tags ledger entries written by the mesh.
const SubsystemMesh = "mesh"

var (
	// ErrMeshClosed is returned by operations on a closed mesh.
	ErrMeshClosed = errors.New("event mesh closed")

	// ErrUnknownSubscription is returned by Unsubscribe for an unknown ID.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrDuplicateEvent is returned when an event_id was already published.
	ErrDuplicateEvent = errors.New("duplicate event_id")

	// ErrNotPending is returned by Approve for events not awaiting approval.
	ErrNotPending = errors.New("event is not pending approval")
)

// Handler processes one delivered event.
type Handler func(ctx context.Context, e Event) error

// Validator is the governance gate as seen by the mesh.
type Validator interface {
	Validate(ctx context.Context, req governance.Request) (governance.Verdict, error)
}

// Approver records approvals for escalated events.
type Approver interface {
	Grant(key, approver string) (governance.Approval, error)
}

// Config tunes the mesh.
type Config struct {
	// QueueDepth is the per-subscription buffer. Default 1024.
	QueueDepth int

	// DedupeWindow is how many recent event IDs are remembered. Default 4096.
	DedupeWindow int

	// PendingTTL expires escalated events that were never approved.
	// Default 15 minutes.
	PendingTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 4096
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 15 * time.Minute
	}
}

// Option configures a Mesh.
type Option func(*Mesh)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mesh) { m.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Mesh) { m.metrics = metrics }
}

// WithApprover sets the approval registry used by Approve.
func WithApprover(a Approver) Option {
	return func(m *Mesh) { m.approver = a }
}

// WithLedger lets the mesh record pending-event expiry.
func WithLedger(l ledger.Appender) Option {
	return func(m *Mesh) { m.ledger = l }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(m *Mesh) { m.clock = clock }
}

type subscription struct {
	id      string
	pattern pattern
	handler Handler

	mu       sync.RWMutex
	ch       chan Event
	quit     chan struct{}
	quitOnce sync.Once
	closed   bool
}

// PendingEvent is an escalated event awaiting approval.
type PendingEvent struct {
	Event    Event              `json:"event"`
	Verdict  governance.Verdict `json:"verdict"`
	QueuedAt time.Time          `json:"queued_at"`
}

// Mesh routes governed events to subscribers.
type Mesh struct {
	gate     Validator
	approver Approver
	ledger   ledger.Appender
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    func() time.Time

	seen *lru.Cache[string, struct{}]

	mu      sync.RWMutex
	subs    map[string]*subscription
	pending map[string]PendingEvent
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New creates a mesh that validates every event through gate.
func New(gate Validator, cfg Config, opts ...Option) (*Mesh, error) {
	if gate == nil {
		return nil, fmt.Errorf("mesh requires a governance gate")
	}
	cfg.applyDefaults()
	seen, err := lru.New[string, struct{}](cfg.DedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		gate:    gate,
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   time.Now,
		seen:    seen,
		subs:    make(map[string]*subscription),
		pending: make(map[string]PendingEvent),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Subscribe registers handler for event types matching pattern and starts
// its worker.
//
// # Inputs
//   - pattern: Exact type ("cpu.saturation"), "*" for one segment
//     ("anomaly.*"), or trailing ">" for one or more ("anomaly.>").
//   - handler: Called sequentially for each matching event.
//
// # Outputs
//   - string: Subscription ID for Unsubscribe.
//   - error: Invalid pattern or closed mesh.
func (m *Mesh) Subscribe(pat string, handler Handler) (string, error) {
	p, err := compilePattern(pat)
	if err != nil {
		return "", err
	}
	if handler == nil {
		return "", fmt.Errorf("subscribe %q: nil handler", pat)
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: p,
		handler: handler,
		ch:      make(chan Event, m.cfg.QueueDepth),
		quit:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrMeshClosed
	}
	m.subs[sub.id] = sub
	m.workers.Add(1)
	m.mu.Unlock()

	go m.work(sub)
	m.logger.Debug("subscription added", "subscription_id", sub.id, "pattern", pat)
	return sub.id, nil
}

// Unsubscribe closes the subscription's channel. Events already queued are
// still handled.
func (m *Mesh) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	sub.close()
	return nil
}

func (s *subscription) close() {
	// Release blocked senders before taking the write lock.
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer queues e unless the subscription is closed or ctx ends first.
func (s *subscription) offer(ctx context.Context, e Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Mesh) work(sub *subscription) {
	defer m.workers.Done()
	for e := range sub.ch {
		m.invoke(sub, e)
	}
}

// invoke runs one handler call, containing errors and panics.
func (m *Mesh) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordHandlerFailure()
			m.logger.Error("subscriber panicked",
				"subscription_id", sub.id,
				"event_id", e.EventID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if err := sub.handler(m.ctx, e); err != nil {
		m.metrics.RecordHandlerFailure()
		m.logger.Warn("subscriber failed",
			"subscription_id", sub.id,
			"pattern", sub.pattern.raw,
			"event_id", e.EventID,
			"type", e.Type,
			"error", err)
	}
}

// Publish validates e, obtains a governance verdict, and delivers it.
//
// # Description
//
// A deny is not an error: the verdict is returned with a nil error and the
// event is dropped. An escalate parks the event in the pending set.
//
// # Outputs
//   - governance.Verdict: The recorded verdict. Zero when rejected earlier.
//   - error: *ValidationError, ErrDuplicateEvent, ErrMeshClosed, or a
//     ledger error (the verdict could not be recorded; nothing delivered).
func (m *Mesh) Publish(ctx context.Context, e Event) (governance.Verdict, error) {
	ctx, span := otel.Tracer("mesh").Start(ctx, "mesh.Publish",
		trace.WithAttributes(
			attribute.String("event_id", e.EventID),
			attribute.String("type", e.Type),
		))
	defer span.End()

	if m.isClosed() {
		return governance.Verdict{}, ErrMeshClosed
	}
	if err := Validate(e); err != nil {
		m.metrics.RecordEvent("invalid")
		m.logger.Warn("event rejected", "event_id", e.EventID, "type", e.Type, "error", err)
		span.SetStatus(codes.Error, "invalid event")
		return governance.Verdict{}, err
	}
	if found, _ := m.seen.ContainsOrAdd(e.EventID, struct{}{}); found {
		m.metrics.RecordEvent("duplicate")
		return governance.Verdict{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}

	v, err := m.gate.Validate(ctx, e.Request())
	if err != nil {
		// No verdict was recorded, so the id may be published again.
		m.seen.Remove(e.EventID)
		m.metrics.RecordEvent("unrecorded")
		span.RecordError(err)
		span.SetStatus(codes.Error, "verdict not recorded")
		return v, err
	}
	span.SetAttributes(attribute.String("decision", string(v.Decision)))

	switch v.Decision {
	case governance.DecisionDeny:
		m.metrics.RecordEvent("denied")
		m.logger.Info("event dropped", "event_id", e.EventID, "type", e.Type, "actor", e.Actor, "reason", v.Reason)
	case governance.DecisionEscalate:
		m.mu.Lock()
		m.pending[e.EventID] = PendingEvent{Event: e, Verdict: v, QueuedAt: m.clock()}
		m.mu.Unlock()
		m.metrics.RecordEvent("pending")
		m.logger.Info("event awaiting approval", "event_id", e.EventID, "type", e.Type, "actor", e.Actor)
	default:
		n := m.deliver(ctx, e)
		m.metrics.RecordEvent("delivered")
		span.SetAttributes(attribute.Int("subscribers", n))
	}
	return v, nil
}

// deliver queues e on every matching subscription and returns how many
// accepted it.
func (m *Mesh) deliver(ctx context.Context, e Event) int {
	m.mu.RLock()
	targets := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.pattern.match(e.Type) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.offer(ctx, e) {
			delivered++
			continue
		}
		m.logger.Warn("event not queued for subscriber",
			"subscription_id", sub.id, "event_id", e.EventID, "error", ctx.Err())
	}
	return delivered
}

// Approve records approver's approval of a pending event. Once the
// approval is sufficient the event is re-validated and, if allowed,
// delivered and removed from the pending set.
//
// # Outputs
//   - governance.Verdict: The new verdict. Escalate means quorum is not yet met.
//   - error: ErrNotPending, no approver configured, or a ledger error.
func (m *Mesh) Approve(ctx context.Context, eventID, approver string) (governance.Verdict, error) {
	if m.approver == nil {
		return governance.Verdict{}, fmt.Errorf("mesh has no approval registry")
	}
	m.mu.RLock()
	p, ok := m.pending[eventID]
	m.mu.RUnlock()
	if !ok {
		return governance.Verdict{}, fmt.Errorf("%w: %s", ErrNotPending, eventID)
	}

	if _, err := m.approver.Grant(governance.EventKey(eventID), approver); err != nil {
		return governance.Verdict{}, err
	}

	v, err := m.gate.Validate(ctx, p.Event.Request())
	if err != nil {
		return v, err
	}
	switch v.Decision {
	case governance.DecisionEscalate:
		return v, nil
	case governance.DecisionDeny:
		m.removePending(eventID)
		m.metrics.RecordEvent("denied")
		m.logger.Info("approved event denied on recheck", "event_id", eventID, "reason", v.Reason)
		return v, nil
	}

	if !m.removePending(eventID) {
		// A concurrent Approve already delivered it.
		return v, nil
	}
	m.deliver(ctx, p.Event)
	m.metrics.RecordEvent("delivered")
	m.logger.Info("pending event approved", "event_id", eventID, "approver", approver)
	return v, nil
}

func (m *Mesh) removePending(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[eventID]; !ok {
		return false
	}
	delete(m.pending, eventID)
	return true
}

// Pending returns a snapshot of events awaiting approval.
func (m *Mesh) Pending() []PendingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingEvent, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return out
}

// CheckTimeouts drops pending events older than the TTL and records each
// expiry to the ledger.
func (m *Mesh) CheckTimeouts(ctx context.Context) ([]PendingEvent, error) {
	now := m.clock()
	m.mu.Lock()
	var expired []PendingEvent
	for id, p := range m.pending {
		if now.Sub(p.QueuedAt) > m.cfg.PendingTTL {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range expired {
		m.metrics.RecordEvent("expired")
		m.logger.Info("pending event expired", "event_id", p.Event.EventID, "queued_at", p.QueuedAt)
		if m.ledger == nil {
			continue
		}
		_, err := m.ledger.Append(ctx, SubsystemMesh, map[string]any{
			"kind":      "pending_expired",
			"event_id":  p.Event.EventID,
			"type":      p.Event.Type,
			"actor":     p.Event.Actor,
			"queued_at": p.QueuedAt,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

func (m *Mesh) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops accepting events, closes every subscription, and waits for
// workers to drain.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	m.workers.Wait()
	m.cancel()
	return nil
}
