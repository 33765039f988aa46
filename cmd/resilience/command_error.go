// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	// ExitOK means the command succeeded.
	ExitOK = 0
	// ExitFailure means the command ran but its subject failed: a broken or
	// halted ledger, a drill with a failed gate, or an operational error.
	ExitFailure = 1
	// ExitUsage means bad flags, arguments, or configuration.
	ExitUsage = 2
)

// CommandError carries the exit code a failed command should produce.
//
// # Description
//
// RunE functions return a CommandError so main can map failures onto
// distinct exit codes. Errors that are not CommandErrors come from cobra
// itself (unknown command, bad flag) and map to ExitUsage.
//
// # Example
//
//	return NewCommandError("verify-ledger", ExitFailure, err)
type CommandError struct {
	// Command is the command path that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "command (exit N): cause".
func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError creates a CommandError.
func NewCommandError(cmd string, exitCode int, wrapped error) *CommandError {
	return &CommandError{Command: cmd, ExitCode: exitCode, Wrapped: wrapped}
}

// ExitCodeFor maps an Execute error to a process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return ExitUsage
}
