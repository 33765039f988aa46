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
	"math/rand/v2"
	"sync"
	"time"
)

const (
	neverDrilledBoost = 2.0
	maxCoverageBoost  = 4.0
	failureStep       = 0.5
	maxFeedback       = 3.0
)

// CoverageBoost raises the weight of cards that are stale for their
// category. A card never drilled gets a fixed boost; an overdue card grows
// linearly with how far past its interval it is.
func CoverageBoost(card FailureCard, rec DrillRecord, ok bool, now time.Time) float64 {
	if !ok || rec.LastDrilled.IsZero() {
		return neverDrilledBoost
	}
	interval := card.Category.DrillInterval()
	since := now.Sub(rec.LastDrilled)
	if since <= interval {
		return 1
	}
	boost := 1 + float64(since-interval)/float64(interval)
	return min(boost, maxCoverageBoost)
}

// FeedbackMultiplier raises the weight of cards whose recent drills failed.
func FeedbackMultiplier(rec DrillRecord) float64 {
	return min(1+failureStep*float64(rec.ConsecutiveFailures), maxFeedback)
}

// Weighted pairs a card with its effective draw weight.
type Weighted struct {
	Card   FailureCard `json:"card"`
	Weight float64     `json:"weight"`
}

// Selector draws cards by risk weight, coverage staleness and failure
// feedback.
//
// Thread Safety: Safe for concurrent use.
type Selector struct {
	catalog *Catalog
	history History

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSelector creates a selector. A zero seed seeds from the clock.
func NewSelector(catalog *Catalog, history History, seed uint64) *Selector {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Selector{
		catalog: catalog,
		history: history,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
	}
}

// IntN returns a value in [0, n) from the selector's generator.
func (s *Selector) IntN(n int) int {
	if n <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Weights returns every card with its current effective weight.
func (s *Selector) Weights(ctx context.Context) ([]Weighted, error) {
	now := s.now()
	cards := s.catalog.Cards()
	out := make([]Weighted, 0, len(cards))
	for _, card := range cards {
		rec, ok, err := s.history.Get(ctx, card.CardID)
		if err != nil {
			return nil, err
		}
		w := card.RiskWeight * CoverageBoost(card, rec, ok, now) * FeedbackMultiplier(rec)
		out = append(out, Weighted{Card: card, Weight: w})
	}
	return out, nil
}

// Pick draws one card.
func (s *Selector) Pick(ctx context.Context) (FailureCard, error) {
	cards, err := s.PickN(ctx, 1, nil)
	if err != nil {
		return FailureCard{}, err
	}
	return cards[0], nil
}

// PickN draws up to n distinct cards without replacement. When distinct is
// non-nil, cards for which distinct returns false given the cards already
// drawn are excluded from later draws.
func (s *Selector) PickN(ctx context.Context, n int, distinct func(picked []FailureCard, next FailureCard) bool) ([]FailureCard, error) {
	pool, err := s.Weights(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, errors.New("no cards to select from")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []FailureCard
	for len(picked) < n {
		var total float64
		for _, w := range pool {
			if distinct == nil || distinct(picked, w.Card) {
				total += w.Weight
			}
		}
		if total <= 0 {
			break
		}
		r := s.rng.Float64() * total
		idx := -1
		for j, w := range pool {
			if distinct != nil && !distinct(picked, w.Card) {
				continue
			}
			idx = j
			r -= w.Weight
			if r < 0 {
				break
			}
		}
		picked = append(picked, pool[idx].Card)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked, nil
}
