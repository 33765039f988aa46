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
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/resilience-engine/services/resilience/engine"
)

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serve always logs; --verbose only matters for one-shot commands.
	e, err := engine.New(ctx, cfg)
	if err != nil {
		return NewCommandError(cmd.CommandPath(), ExitFailure, err)
	}
	defer e.Close()

	c.printer.Success("resilience engine serving on " + cfg.API.Addr)
	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return NewCommandError(cmd.CommandPath(), ExitFailure, err)
	}
	return nil
}
