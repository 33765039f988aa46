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
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any sequence of appends verifies.
func TestProperty_AppendOnlyChainVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("verify_integrity is valid after any appends", prop.ForAll(
		func(payloads []string) bool {
			ctx := context.Background()
			l, err := Open(ctx, NewMemoryStore(), WithClock(stepClock()))
			if err != nil {
				return false
			}
			defer l.Close()

			for _, p := range payloads {
				if _, err := l.Append(ctx, "prop", map[string]string{"v": p}); err != nil {
					return false
				}
			}
			report, err := l.VerifyIntegrity(ctx, 0)
			return err == nil && report.Valid && report.Checked == uint64(len(payloads))
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: flipping any single byte of any stored record is reported at
// exactly that record's sequence.
func TestProperty_SingleByteFlipReportsExactBreak(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first_break is the tampered sequence", prop.ForAll(
		func(n int, target int, offset int, bit uint8) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			l, err := Open(ctx, store, WithClock(stepClock()))
			if err != nil {
				return false
			}
			defer l.Close()

			for i := 0; i < n; i++ {
				if _, err := l.Append(ctx, "prop", map[string]int{"i": i}); err != nil {
					return false
				}
			}

			seq := uint64(target%n) + 1
			rec := store.records[seq]
			rec[offset%len(rec)] ^= 1 << (bit % 8)

			report, err := l.VerifyIntegrity(ctx, 0)
			if err != nil || report.Valid || report.FirstBreak == nil {
				return false
			}
			return *report.FirstBreak == seq
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 100000),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
