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
	"errors"
	"fmt"
)

var (
	// ErrLedgerHalted is returned by Append while the ledger is halted after
	// a storage failure or a detected integrity break. Only Acknowledge
	// clears it.
	ErrLedgerHalted = errors.New("ledger halted")

	// ErrLedgerClosed is returned after Close.
	ErrLedgerClosed = errors.New("ledger closed")

	// ErrCorruptRecord indicates a stored record failed its checksum or
	// could not be decoded.
	ErrCorruptRecord = errors.New("corrupt ledger record")

	// ErrSequenceExists is returned by a Store asked to overwrite a sequence.
	ErrSequenceExists = errors.New("ledger sequence already written")

	// ErrNotFound is returned by a Store for a missing sequence.
	ErrNotFound = errors.New("ledger sequence not found")
)

// IntegrityError reports the first sequence whose record does not verify.
type IntegrityError struct {
	FirstBreak uint64
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity failure at sequence %d: %s", e.FirstBreak, e.Reason)
}
