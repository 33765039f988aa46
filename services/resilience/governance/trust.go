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
	"sync"
)

// TrustSource looks up an actor's current trust score in [0,1]. It sits on
// the publish hot path and must be side-effect free.
type TrustSource interface {
	Trust(actor string) float64
}

// TrustFunc adapts a function to TrustSource.
type TrustFunc func(actor string) float64

// Trust implements TrustSource.
func (f TrustFunc) Trust(actor string) float64 { return f(actor) }

// TrustTable is an in-memory TrustSource with a default for unknown actors.
//
// # Thread Safety
//
// Safe for concurrent use.
type TrustTable struct {
	mu       sync.RWMutex
	scores   map[string]float64
	fallback float64
}

// NewTrustTable creates a table. fallback applies to actors not in scores.
func NewTrustTable(scores map[string]float64, fallback float64) *TrustTable {
	t := &TrustTable{
		scores:   make(map[string]float64, len(scores)),
		fallback: clamp01(fallback),
	}
	for actor, s := range scores {
		t.scores[actor] = clamp01(s)
	}
	return t
}

// Trust implements TrustSource.
func (t *TrustTable) Trust(actor string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[actor]; ok {
		return s
	}
	return t.fallback
}

// Set replaces an actor's score.
func (t *TrustTable) Set(actor string, score float64) {
	t.mu.Lock()
	t.scores[actor] = clamp01(score)
	t.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TierFloors is the minimum trust per risk tier.
type TierFloors map[RiskTier]float64

// DefaultTierFloors returns low 0.2, medium 0.5, high 0.8.
func DefaultTierFloors() TierFloors {
	return TierFloors{
		RiskLow:    0.2,
		RiskMedium: 0.5,
		RiskHigh:   0.8,
	}
}

// Floor returns the floor for tier. Unknown tiers get the high floor.
func (f TierFloors) Floor(tier RiskTier) float64 {
	if v, ok := f[tier]; ok {
		return v
	}
	if v, ok := f[RiskHigh]; ok {
		return v
	}
	return 1
}
