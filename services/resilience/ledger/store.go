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
	"fmt"
	"sync"
)

// Store persists framed ledger records keyed by sequence.
//
// # Description
//
// Stores are dumb byte containers; hashing and verification live in Ledger.
// Implementations must refuse to overwrite an existing sequence.
//
// # Thread Safety
//
// Implementations must be safe for one writer concurrent with readers.
type Store interface {
	// Put writes record at seq. Returns ErrSequenceExists on overwrite.
	Put(ctx context.Context, seq uint64, record []byte) error

	// Get returns the record at seq or ErrNotFound.
	Get(ctx context.Context, seq uint64) ([]byte, error)

	// Scan calls fn for each record with sequence >= from in ascending order.
	// A non-nil error from fn stops the scan and is returned.
	Scan(ctx context.Context, from uint64, fn func(seq uint64, record []byte) error) error

	// Last returns the highest stored sequence. ok is false when empty.
	Last(ctx context.Context) (seq uint64, record []byte, ok bool, err error)

	// Close releases resources.
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64][]byte
	last    uint64

	// failErr, when set, is returned by every Put.
	failErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64][]byte)}
}

// FailWith makes every later Put return err. Pass nil to recover.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, seq uint64, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, exists := s.records[seq]; exists {
		return fmt.Errorf("%w: %d", ErrSequenceExists, seq)
	}
	s.records[seq] = append([]byte(nil), record...)
	if seq > s.last {
		s.last = seq
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[seq]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return append([]byte(nil), rec...), nil
}

// Scan implements Store. Gaps in the sequence are skipped.
func (s *MemoryStore) Scan(ctx context.Context, from uint64, fn func(uint64, []byte) error) error {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	for seq := from; seq <= last; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		rec, ok := s.records[seq]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(seq, append([]byte(nil), rec...)); err != nil {
			return err
		}
	}
	return nil
}

// Last implements Store.
func (s *MemoryStore) Last(_ context.Context) (uint64, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == 0 {
		return 0, nil, false, nil
	}
	rec, ok := s.records[s.last]
	if !ok {
		return 0, nil, false, nil
	}
	return s.last, append([]byte(nil), rec...), true, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
