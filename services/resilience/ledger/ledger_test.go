// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/services/resilience/storage/badger"
)

// stepClock returns a clock advancing one millisecond per call.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func openTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), store, WithClock(stepClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func appendN(t *testing.T, l *Ledger, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), "test", map[string]any{"i": i})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())

	entries := appendN(t, l, 5)

	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
		if i == 0 {
			assert.Equal(t, GenesisHash, e.PrevHash)
		} else {
			assert.Equal(t, entries[i-1].EntryHash, e.PrevHash)
		}
		want, err := ComputeEntryHash(e.PrevHash, e.PayloadHash, e.Timestamp, e.Sequence)
		require.NoError(t, err)
		assert.Equal(t, want, e.EntryHash)
	}

	status := l.Status()
	assert.Equal(t, uint64(5), status.HeadSeq)
	assert.Equal(t, entries[4].EntryHash, status.HeadHash)
	assert.False(t, status.Halted)
}

func TestAppend_ConcurrentCallersGetUniqueSequences(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())

	const n = 64
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.Append(context.Background(), "mesh", map[string]int{"i": i})
			assert.NoError(t, err)
			seqs <- e.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "sequence %d reused", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	for s := uint64(1); s <= n; s++ {
		assert.True(t, seen[s], "sequence %d missing", s)
	}

	report, err := l.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, uint64(n), report.Checked)
}

func TestVerifyIntegrity_ReportsExactFirstBreak(t *testing.T) {
	store := NewMemoryStore()
	l := openTestLedger(t, store)
	appendN(t, l, 6)

	// Flip one byte inside the JSON body of entry 3.
	store.records[3][20] ^= 0x01

	report, err := l.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstBreak)
	assert.Equal(t, uint64(3), *report.FirstBreak)
	assert.Equal(t, uint64(2), report.Checked)

	// An integrity failure halts further appends.
	assert.True(t, l.Status().Halted)
	_, err = l.Append(context.Background(), "test", "refused")
	assert.ErrorIs(t, err, ErrLedgerHalted)
}

func TestVerifyIntegrity_FromMidChain(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())
	appendN(t, l, 5)

	report, err := l.VerifyIntegrity(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, uint64(3), report.Checked)

	report, err = l.VerifyIntegrity(context.Background(), 99)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestVerifyIntegrity_DetectsTruncation(t *testing.T) {
	store := NewMemoryStore()
	l := openTestLedger(t, store)
	appendN(t, l, 4)

	store.mu.Lock()
	delete(store.records, 4)
	store.mu.Unlock()

	report, err := l.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, report.FirstBreak)
	assert.Equal(t, uint64(4), *report.FirstBreak)
	assert.Equal(t, "missing entry", report.Reason)
}

func TestVerifyIntegrity_PayloadWithHTMLCharacters(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())

	_, err := l.Append(context.Background(), "governance", map[string]string{"reason": "<deny> & log"})
	require.NoError(t, err)

	report, err := l.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestAppend_StorageErrorHaltsUntilAcknowledged(t *testing.T) {
	store := NewMemoryStore()
	l := openTestLedger(t, store)
	appendN(t, l, 2)

	store.FailWith(errors.New("disk full"))

	_, err := l.Append(context.Background(), "test", "x")
	require.ErrorIs(t, err, ErrLedgerHalted)
	assert.Contains(t, l.Status().HaltReason, "disk full")

	// Still halted after the fault clears.
	store.FailWith(nil)
	_, err = l.Append(context.Background(), "test", "y")
	require.ErrorIs(t, err, ErrLedgerHalted)

	ack, err := l.Acknowledge(context.Background(), "oncall", "disk replaced")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ack.Sequence, "failed write must not consume a sequence")
	assert.Equal(t, SubsystemLedger, ack.Subsystem)

	e, err := l.Append(context.Background(), "test", "z")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)

	report, err := l.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestAcknowledge_RequiresOperator(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())
	_, err := l.Acknowledge(context.Background(), "", "")
	assert.Error(t, err)
}

func TestOpen_RecoversSequenceAfterRestart(t *testing.T) {
	store := NewMemoryStore()

	l, err := Open(context.Background(), store, WithClock(stepClock()))
	require.NoError(t, err)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	l2 := openTestLedger(t, store)
	assert.Equal(t, uint64(3), l2.Status().HeadSeq)
	e, err := l2.Append(context.Background(), "test", "after restart")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)

	report, err := l2.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestOpen_CorruptHeadOpensHalted(t *testing.T) {
	store := NewMemoryStore()
	l, err := Open(context.Background(), store)
	require.NoError(t, err)
	appendN(t, l, 2)
	require.NoError(t, l.Close())

	store.records[2][0] ^= 0xFF

	l2 := openTestLedger(t, store)
	status := l2.Status()
	assert.True(t, status.Halted)
	assert.Equal(t, uint64(2), status.HeadSeq)

	_, err = l2.Append(context.Background(), "test", "x")
	assert.ErrorIs(t, err, ErrLedgerHalted)
	_, err = l2.Acknowledge(context.Background(), "oncall", "")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestEntries_Pages(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())
	appendN(t, l, 7)

	page, err := l.Entries(context.Background(), 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Sequence)
	assert.Equal(t, uint64(4), page[1].Sequence)

	var payload map[string]int
	require.NoError(t, page[0].Decode(&payload))
	assert.Equal(t, 2, payload["i"])

	page, err = l.Entries(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, page, 7)
}

func TestClose_RefusesAppends(t *testing.T) {
	l, err := Open(context.Background(), NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append(context.Background(), "test", "late")
	assert.ErrorIs(t, err, ErrLedgerClosed)
}

func TestAppend_CancelledContext(t *testing.T) {
	l := openTestLedger(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, "test", "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, l.Status().Halted, "caller cancellation is not a storage failure")
}

// =============================================================================
// Badger-backed ledger
// =============================================================================

func TestBadgerStore_RestartContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	l, err := Open(ctx, store, WithClock(stepClock()))
	require.NoError(t, err)
	appendN(t, l, 5)
	require.NoError(t, l.Close())
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer store.Close()
	l, err = Open(ctx, store)
	require.NoError(t, err)
	defer l.Close()

	e, err := l.Append(ctx, "test", "resumed")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), e.Sequence)

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, uint64(6), report.Checked)
}

func TestBadgerStore_TamperDetected(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store := NewBadgerStore(db)
	l := openTestLedger(t, store)
	appendN(t, l, 4)

	key := badger.SeqKey(entryPrefix, 2)
	rec, err := db.Get(ctx, key)
	require.NoError(t, err)
	rec[len(rec)-3] ^= 0x20
	require.NoError(t, db.Set(ctx, key, rec))

	report, err := l.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, report.FirstBreak)
	assert.Equal(t, uint64(2), *report.FirstBreak)
}

func TestBadgerStore_RefusesOverwrite(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	store := NewBadgerStore(db)

	require.NoError(t, store.Put(context.Background(), 1, []byte("a")))
	err = store.Put(context.Background(), 1, []byte("b"))
	assert.ErrorIs(t, err, ErrSequenceExists)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func ExampleLedger_Append() {
	l, _ := Open(context.Background(), NewMemoryStore())
	defer l.Close()
	e, _ := l.Append(context.Background(), "governance", map[string]string{"decision": "allow"})
	fmt.Println(e.Sequence, e.PrevHash == GenesisHash)
	// Output: 1 true
}
