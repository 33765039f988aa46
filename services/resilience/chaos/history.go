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
	"sort"
	"sync"
	"time"
)

// DrillRecord is what the selector knows about a card's past drills.
type DrillRecord struct {
	CardID              string    `json:"card_id"`
	LastDrilled         time.Time `json:"last_drilled,omitzero"`
	Drills              int       `json:"drills"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// apply folds one drill result into r.
func (r DrillRecord) apply(at time.Time, success bool) DrillRecord {
	r.LastDrilled = at
	r.Drills++
	if success {
		r.ConsecutiveFailures = 0
	} else {
		r.Failures++
		r.ConsecutiveFailures++
	}
	return r
}

// History persists drill records.
type History interface {
	Record(ctx context.Context, cardID string, at time.Time, success bool) (DrillRecord, error)
	Get(ctx context.Context, cardID string) (DrillRecord, bool, error)
	All(ctx context.Context) ([]DrillRecord, error)
}

// BacklogItem is follow-up work filed for a failed incident.
type BacklogItem struct {
	ItemID      string     `json:"item_id"`
	CardID      string     `json:"card_id"`
	IncidentID  string     `json:"incident_id"`
	Resource    string     `json:"resource"`
	FailedGates []string   `json:"failed_gates"`
	Reason      string     `json:"reason"`
	Artifacts   []Artifact `json:"artifacts"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Backlog stores backlog items.
type Backlog interface {
	Add(ctx context.Context, item BacklogItem) error
	List(ctx context.Context) ([]BacklogItem, error)
}

// MemoryStore keeps history and backlog in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]DrillRecord
	items   []BacklogItem
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]DrillRecord)}
}

// Seed sets a record directly, for tests and imports.
func (s *MemoryStore) Seed(r DrillRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.CardID] = r
}

// Record implements History.
func (s *MemoryStore) Record(_ context.Context, cardID string, at time.Time, success bool) (DrillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[cardID]
	r.CardID = cardID
	r = r.apply(at, success)
	s.records[cardID] = r
	return r, nil
}

// Get implements History.
func (s *MemoryStore) Get(_ context.Context, cardID string) (DrillRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[cardID]
	return r, ok, nil
}

// All implements History.
func (s *MemoryStore) All(_ context.Context) ([]DrillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DrillRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out, nil
}

// Add implements Backlog.
func (s *MemoryStore) Add(_ context.Context, item BacklogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

// List implements Backlog.
func (s *MemoryStore) List(_ context.Context) ([]BacklogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BacklogItem(nil), s.items...), nil
}

var (
	_ History = (*MemoryStore)(nil)
	_ Backlog = (*MemoryStore)(nil)
)
