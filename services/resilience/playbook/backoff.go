// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package playbook

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff computes retry delays: exponential from Base, capped at Max, plus
// a jitter derived from the retry identity so the same retry always waits
// the same time.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// Delay returns the wait before retry attempt (0-based) of step in run.
func (b Backoff) Delay(run, step string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := time.Duration(int64(b.Base) * factor)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay + b.jitter(run, step, attempt)
}

func (b Backoff) jitter(run, step string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", run, step, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(b.MaxJitter))
}
