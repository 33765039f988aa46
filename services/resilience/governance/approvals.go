// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrApprovalNotFound is returned when no approval exists for a key.
var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalChecker answers whether a high-risk request has a pre-existing
// human or quorum approval.
type ApprovalChecker interface {
	Approved(req Request) bool
}

// Approval is the state of one approval key.
type Approval struct {
	Key       string    `json:"key"`
	Approvers []string  `json:"approvers"`
	Quorum    int       `json:"quorum"`
	Satisfied bool      `json:"satisfied"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventKey scopes an approval to a single event.
func EventKey(eventID string) string { return "event:" + eventID }

// StandingKey scopes an approval to every event with this actor, action and
// resource.
func StandingKey(actor, action, resource string) string {
	return "standing:" + strings.Join([]string{actor, action, resource}, "|")
}

type approvalRecord struct {
	approvers map[string]time.Time
	updated   time.Time
}

// Approvals records approvals and checks quorum.
//
// # Description
//
// An approval key is satisfied once Quorum distinct approvers have granted
// it. Grants older than the TTL no longer count. Event-scoped keys are
// checked before standing keys.
//
// # Thread Safety
//
// Safe for concurrent use.
type Approvals struct {
	mu      sync.Mutex
	records map[string]*approvalRecord
	quorum  int
	ttl     time.Duration
	clock   func() time.Time
}

// NewApprovals creates a registry requiring quorum distinct approvers
// (minimum 1).
func NewApprovals(quorum int) *Approvals {
	if quorum < 1 {
		quorum = 1
	}
	return &Approvals{
		records: make(map[string]*approvalRecord),
		quorum:  quorum,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Approvals) WithClock(clock func() time.Time) *Approvals {
	a.clock = clock
	return a
}

// WithTTL expires grants older than ttl. Zero disables expiry.
func (a *Approvals) WithTTL(ttl time.Duration) *Approvals {
	a.ttl = ttl
	return a
}

// Grant records approver's approval of key.
func (a *Approvals) Grant(key, approver string) (Approval, error) {
	if key == "" || approver == "" {
		return Approval{}, fmt.Errorf("approval requires a key and an approver")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	rec, ok := a.records[key]
	if !ok {
		rec = &approvalRecord{approvers: make(map[string]time.Time)}
		a.records[key] = rec
	}
	rec.approvers[approver] = now
	rec.updated = now
	return a.snapshotLocked(key, rec, now), nil
}

// Revoke removes every grant for key.
func (a *Approvals) Revoke(key string) {
	a.mu.Lock()
	delete(a.records, key)
	a.mu.Unlock()
}

// Get returns the current state of key.
func (a *Approvals) Get(key string) (Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[key]
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, key)
	}
	return a.snapshotLocked(key, rec, a.clock()), nil
}

// Approved implements ApprovalChecker.
func (a *Approvals) Approved(req Request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	for _, key := range []string{EventKey(req.EventID), StandingKey(req.Actor, req.Action, req.Resource)} {
		if rec, ok := a.records[key]; ok && a.liveCountLocked(rec, now) >= a.quorum {
			return true
		}
	}
	return false
}

func (a *Approvals) liveCountLocked(rec *approvalRecord, now time.Time) int {
	n := 0
	for _, at := range rec.approvers {
		if a.ttl > 0 && now.Sub(at) > a.ttl {
			continue
		}
		n++
	}
	return n
}

func (a *Approvals) snapshotLocked(key string, rec *approvalRecord, now time.Time) Approval {
	approvers := make([]string, 0, len(rec.approvers))
	for name := range rec.approvers {
		approvers = append(approvers, name)
	}
	sort.Strings(approvers)
	return Approval{
		Key:       key,
		Approvers: approvers,
		Quorum:    a.quorum,
		Satisfied: a.liveCountLocked(rec, now) >= a.quorum,
		UpdatedAt: rec.updated,
	}
}
