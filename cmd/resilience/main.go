// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command resilience runs and inspects the autonomous resilience engine.
//
//	resilience serve                       run the engine and HTTP API
//	resilience verify-ledger [--from N]    check the audit chain
//	resilience ledger status|entries|ack   inspect or acknowledge the ledger
//	resilience chaos run [--stress]        drill failure cards once
//	resilience chaos coverage|backlog      drill staleness and open findings
//
// Exit codes: 0 success, 1 failure (including a broken or halted ledger),
// 2 usage or configuration error.
package main

import (
	"context"
	"os"

	"github.com/AleutianAI/resilience-engine/pkg/ux"
)

func main() {
	os.Exit(run(os.Args[1:], ux.NewPrinter()))
}

// run executes the CLI with args and returns the process exit code.
func run(args []string, p *ux.Printer) int {
	root := newRootCmd(p)
	root.SetArgs(args)
	root.SetOut(p.Out)
	root.SetErr(p.Err)

	err := root.ExecuteContext(context.Background())
	if err != nil {
		p.Error(err.Error())
	}
	return ExitCodeFor(err)
}
