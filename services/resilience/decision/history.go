// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"sync"

	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/playbook"
)

// defaultPrior is the success rate reported with no outcomes on record.
const defaultPrior = 0.5

// History tracks outcomes per (action, resource). Rates use a uniform
// Beta(1,1) prior so one outcome never swings the rate to 0 or 1.
//
// Thread Safety: Safe for concurrent use.
type History struct {
	mu       sync.Mutex
	outcomes map[historyKey]*tally
}

type historyKey struct{ action, resource string }

type tally struct{ successes, total int }

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{outcomes: make(map[historyKey]*tally)}
}

// Record adds one outcome.
func (h *History) Record(action, resource string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := historyKey{action, resource}
	t, ok := h.outcomes[k]
	if !ok {
		t = &tally{}
		h.outcomes[k] = t
	}
	t.total++
	if success {
		t.successes++
	}
}

// Rate returns the smoothed success rate and the number of outcomes.
// Unknown pairs fall back to the action's outcomes across all resources.
func (h *History) Rate(action, resource string) (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.outcomes[historyKey{action, resource}]; ok {
		return smooth(t.successes, t.total), t.total
	}
	var s, n int
	for k, t := range h.outcomes {
		if k.action == action {
			s += t.successes
			n += t.total
		}
	}
	if n == 0 {
		return defaultPrior, 0
	}
	return smooth(s, n), n
}

func smooth(successes, total int) float64 {
	return float64(successes+1) / float64(total+2)
}

// ObserveHealing records healer outcomes. A run counts under its playbook
// id and succeeds only when the anomaly resolved.
func (h *History) ObserveHealing(a detector.Anomaly, res *playbook.Result) {
	if res == nil || res.PlaybookID == "" {
		return
	}
	h.Record(res.PlaybookID, a.Resource, a.State == detector.StateResolved)
}
