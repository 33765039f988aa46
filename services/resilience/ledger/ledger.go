// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the append-only, hash-chained audit log.
//
// # Description
//
// Every component of the engine records its decisions here. Appends are
// serialized through a single writer goroutine fed by a FIFO queue, so each
// entry receives a strictly increasing sequence in order of arrival. The
// sequence and chain head are recovered from the store on Open, so numbers
// are never reused across restarts.
//
// A storage error or a failed integrity check halts the ledger. While halted
// every Append fails with ErrLedgerHalted until an operator calls
// Acknowledge. The ledger never repairs itself.
//
// # Record Format
//
// Each stored record is [4-byte CRC32][JSON Entry]. Any byte flipped in a
// stored record surfaces as an integrity break at that record's sequence.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
)

// SubsystemLedger tags entries written by the ledger itself.
const SubsystemLedger = "ledger"

// Status is a snapshot of the ledger head.
type Status struct {
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	HeadSeq    uint64 `json:"head_seq"`
	HeadHash   string `json:"head_hash"`
}

// Report is the result of VerifyIntegrity.
type Report struct {
	Valid      bool    `json:"valid"`
	FirstBreak *uint64 `json:"first_break"`
	Reason     string  `json:"reason,omitempty"`
	From       uint64  `json:"from"`
	Checked    uint64  `json:"checked"`
	HeadSeq    uint64  `json:"head_seq"`
}

// Appender is the write side of the ledger used by other components.
type Appender interface {
	Append(ctx context.Context, subsystem string, payload any) (Entry, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithQueueDepth sets the append queue capacity. Callers beyond it block.
func WithQueueDepth(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.queueDepth = n
		}
	}
}

type appendRequest struct {
	ctx         context.Context
	subsystem   string
	payload     []byte
	payloadHash string
	reply       chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Ledger is the single-writer hash-chained log.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are serialized by the
// writer goroutine; reads go straight to the store.
type Ledger struct {
	store      Store
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
	queueDepth int

	queue   chan appendRequest
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu         sync.RWMutex
	seq        uint64
	head       string
	halted     bool
	haltReason string
}

var _ Appender = (*Ledger)(nil)

// Open recovers the head from store and starts the writer.
//
// # Description
//
// The last stored record determines the next sequence. If that record is
// corrupt the ledger opens halted: appends are refused until Acknowledge.
//
// # Outputs
//   - *Ledger: Running ledger. Call Close when done.
//   - error: Non-nil if the store cannot be read.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:      store,
		clock:      time.Now,
		logger:     slog.Default(),
		queueDepth: 256,
		head:       GenesisHash,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan appendRequest, l.queueDepth)

	if err := l.loadHead(ctx); err != nil {
		if !errors.Is(err, ErrCorruptRecord) {
			return nil, err
		}
		l.halt(fmt.Sprintf("head record unreadable on open: %v", err))
	}

	go l.run()
	l.logger.Info("ledger opened", "head_seq", l.seq, "halted", l.halted)
	return l, nil
}

// loadHead sets seq/head from the last stored record.
func (l *Ledger) loadHead(ctx context.Context) error {
	seq, rec, ok, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		l.seq, l.head = 0, GenesisHash
		return nil
	}
	// The sequence is reserved even when the record is unreadable.
	l.seq = seq
	e, err := decodeRecord(rec)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", seq, err)
	}
	l.head = e.EntryHash
	return nil
}

// Append queues an entry and waits for it to be written.
//
// # Description
//
// The payload is canonicalized (RFC 8785) and hashed by the caller's
// goroutine; only sequencing and the store write happen on the writer.
// Requests are served in arrival order.
//
// # Outputs
//   - Entry: The written entry.
//   - error: ErrLedgerHalted, ErrLedgerClosed, a payload encoding error,
//     or the caller's context error if it gave up before the write.
func (l *Ledger) Append(ctx context.Context, subsystem string, payload any) (Entry, error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, "ledger.Append",
		trace.WithAttributes(attribute.String("subsystem", subsystem)))
	defer span.End()

	canon, payloadHash, err := CanonicalPayload(payload)
	if err != nil {
		span.SetStatus(codes.Error, "encode failed")
		return Entry{}, err
	}

	req := appendRequest{
		ctx:         ctx,
		subsystem:   subsystem,
		payload:     canon,
		payloadHash: payloadHash,
		reply:       make(chan appendResult, 1),
	}

	select {
	case <-l.done:
		return Entry{}, ErrLedgerClosed
	default:
	}

	select {
	case l.queue <- req:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-l.done:
		return Entry{}, ErrLedgerClosed
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "append failed")
		} else {
			span.SetAttributes(attribute.Int64("sequence", int64(res.entry.Sequence)))
		}
		return res.entry, res.err
	case <-l.stopped:
		select {
		case res := <-req.reply:
			return res.entry, res.err
		default:
			return Entry{}, ErrLedgerClosed
		}
	}
}

// run is the single writer.
func (l *Ledger) run() {
	defer close(l.stopped)
	for {
		select {
		case req := <-l.queue:
			req.reply <- l.write(req)
		case <-l.done:
			// Fail whatever is still queued.
			for {
				select {
				case req := <-l.queue:
					req.reply <- appendResult{err: ErrLedgerClosed}
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) write(req appendRequest) appendResult {
	if err := req.ctx.Err(); err != nil {
		return appendResult{err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return appendResult{err: fmt.Errorf("%w: %s", ErrLedgerHalted, l.haltReason)}
	}

	seq := l.seq + 1
	ts := l.clock().UTC()
	hash, err := ComputeEntryHash(l.head, req.payloadHash, ts, seq)
	if err != nil {
		return appendResult{err: err}
	}
	e := Entry{
		Sequence:    seq,
		Timestamp:   ts,
		Subsystem:   req.subsystem,
		PayloadHash: req.payloadHash,
		PrevHash:    l.head,
		EntryHash:   hash,
		Payload:     req.payload,
	}
	rec, err := encodeRecord(e)
	if err != nil {
		return appendResult{err: err}
	}

	// The write outlives a caller that cancels mid-flight; a cancelled
	// context must not be mistaken for a storage failure.
	if err := l.store.Put(context.WithoutCancel(req.ctx), seq, rec); err != nil {
		l.haltLocked(fmt.Sprintf("storage error at sequence %d: %v", seq, err))
		return appendResult{err: fmt.Errorf("%w: %v", ErrLedgerHalted, err)}
	}

	l.seq = seq
	l.head = hash
	l.metrics.RecordAppend(req.subsystem)
	l.logger.Debug("ledger entry appended", "sequence", seq, "subsystem", req.subsystem)
	return appendResult{entry: e}
}

// VerifyIntegrity walks the chain from from (0 or 1 = genesis) to the
// current head, recomputing every hash.
//
// # Description
//
// The first record that fails its checksum, payload hash, back-link, or
// entry hash is reported as FirstBreak. A missing sequence below the head
// is also a break. A break halts the ledger.
//
// # Outputs
//   - Report: Valid, or the exact first broken sequence.
//   - error: Non-nil only when the store cannot be read.
func (l *Ledger) VerifyIntegrity(ctx context.Context, from uint64) (Report, error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, "ledger.VerifyIntegrity")
	defer span.End()

	if from == 0 {
		from = 1
	}
	status := l.Status()
	report := Report{From: from, HeadSeq: status.HeadSeq}
	if from > status.HeadSeq {
		report.Valid = true
		return report, nil
	}

	prev := GenesisHash
	if from > 1 {
		rec, err := l.store.Get(ctx, from-1)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return report, err
		}
		e, derr := decodeRecord(rec)
		if err != nil || derr != nil {
			return l.broken(report, from-1, "anchor record unreadable"), nil
		}
		prev = e.EntryHash
	}

	expected := from
	var breakAt uint64
	var reason string
	stop := errors.New("stop")
	err := l.store.Scan(ctx, from, func(seq uint64, rec []byte) error {
		if seq > status.HeadSeq {
			return stop
		}
		if seq != expected {
			breakAt, reason = expected, "missing entry"
			return stop
		}
		e, err := decodeRecord(rec)
		if err != nil {
			breakAt, reason = seq, err.Error()
			return stop
		}
		if why := checkEntry(e, seq, prev); why != "" {
			breakAt, reason = seq, why
			return stop
		}
		prev = e.EntryHash
		report.Checked++
		expected++
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return report, fmt.Errorf("scan ledger: %w", err)
	}
	if breakAt == 0 && expected <= status.HeadSeq {
		breakAt, reason = expected, "missing entry"
	}
	if breakAt != 0 {
		span.SetStatus(codes.Error, "integrity failure")
		return l.broken(report, breakAt, reason), nil
	}

	report.Valid = true
	return report, nil
}

func (l *Ledger) broken(report Report, seq uint64, reason string) Report {
	report.Valid = false
	report.FirstBreak = &seq
	report.Reason = reason
	integrity := &IntegrityError{FirstBreak: seq, Reason: reason}
	l.halt(integrity.Error())
	return report
}

// Acknowledge clears a halt after operator intervention.
//
// # Description
//
// The head is reloaded from the store (the operator may have repaired
// records), the halt is cleared, and an acknowledgement entry is appended.
// Fails if the head record is still unreadable.
func (l *Ledger) Acknowledge(ctx context.Context, operator, note string) (Entry, error) {
	if operator == "" {
		return Entry{}, errors.New("operator is required")
	}
	previous := l.Status()
	if err := l.loadHead(ctx); err != nil {
		return Entry{}, fmt.Errorf("cannot acknowledge: %w", err)
	}

	l.mu.Lock()
	l.halted = false
	l.haltReason = ""
	l.mu.Unlock()
	l.metrics.SetLedgerHalted(false)
	l.logger.Warn("ledger halt acknowledged", "operator", operator, "previous_reason", previous.HaltReason)

	return l.Append(ctx, SubsystemLedger, map[string]any{
		"kind":            "acknowledge",
		"operator":        operator,
		"note":            note,
		"previous_reason": previous.HaltReason,
	})
}

// Entries returns up to limit entries starting at from (0 or 1 = first).
// A corrupt record ends the page with an error wrapping ErrCorruptRecord.
func (l *Ledger) Entries(ctx context.Context, from uint64, limit int) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = 100
	}
	out := make([]Entry, 0, limit)
	stop := errors.New("stop")
	var corrupt error
	err := l.store.Scan(ctx, from, func(seq uint64, rec []byte) error {
		if len(out) >= limit {
			return stop
		}
		e, err := decodeRecord(rec)
		if err != nil {
			corrupt = fmt.Errorf("sequence %d: %w", seq, err)
			return stop
		}
		out = append(out, e)
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return out, corrupt
}

// Status returns a snapshot of the head and halt state.
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{Halted: l.halted, HaltReason: l.haltReason, HeadSeq: l.seq, HeadHash: l.head}
}

func (l *Ledger) halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.haltLocked(reason)
}

func (l *Ledger) haltLocked(reason string) {
	if !l.halted {
		l.logger.Error("ledger halted", "reason", reason)
	}
	l.halted = true
	l.haltReason = reason
	l.metrics.SetLedgerHalted(true)
}

// Close stops the writer. Queued appends fail with ErrLedgerClosed. The
// store is not closed.
func (l *Ledger) Close() error {
	l.once.Do(func() { close(l.done) })
	<-l.stopped
	return nil
}
