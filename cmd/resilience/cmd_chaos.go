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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/resilience-engine/services/resilience/chaos"
	"github.com/AleutianAI/resilience-engine/services/resilience/engine"
)

// withEngine builds the engine for fn, starting it when start is true.
func (c *cli) withEngine(cmd *cobra.Command, start bool, fn func(e *engine.Engine) error) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	e, err := c.newEngine(cmd.Context(), cmd, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	if start {
		if err := e.Start(cmd.Context()); err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}
	}
	return fn(e)
}

func (c *cli) runChaos(cmd *cobra.Command, _ []string) error {
	stress, _ := cmd.Flags().GetBool("stress")
	cardID, _ := cmd.Flags().GetString("card")
	resource, _ := cmd.Flags().GetString("resource")
	if resource != "" && cardID == "" {
		return NewCommandError(cmd.CommandPath(), ExitUsage, fmt.Errorf("--resource requires --card"))
	}

	return c.withEngine(cmd, true, func(e *engine.Engine) error {
		var incidents []chaos.ChaosIncident
		if cardID != "" {
			card, err := loadCard(e, cardID)
			if err != nil {
				return NewCommandError(cmd.CommandPath(), ExitUsage, err)
			}
			if resource == "" {
				resource = e.Workload.Resources()[0]
			}
			inc, err := e.Chaos.RunCard(cmd.Context(), card, resource)
			if err != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, err)
			}
			incidents = append(incidents, inc)
		} else {
			var err error
			incidents, err = e.Chaos.RunCycle(cmd.Context(), stress)
			if err != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, err)
			}
		}

		if c.jsonOut {
			if err := c.printJSON(incidents); err != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, err)
			}
		} else {
			c.printIncidents(incidents)
		}

		failed := 0
		for _, inc := range incidents {
			if inc.Outcome != chaos.OutcomeSuccess {
				failed++
			}
		}
		if failed > 0 {
			return NewCommandError(cmd.CommandPath(), ExitFailure,
				fmt.Errorf("%d of %d drills failed", failed, len(incidents)))
		}
		return nil
	})
}

// loadCard finds cardID in the configured catalog.
func loadCard(e *engine.Engine, cardID string) (chaos.FailureCard, error) {
	var cat *chaos.Catalog
	var err error
	if e.Config.Chaos.Catalog != "" {
		cat, err = chaos.LoadCatalog(e.Config.Chaos.Catalog)
	} else {
		cat, err = chaos.DefaultCatalog()
	}
	if err != nil {
		return chaos.FailureCard{}, err
	}
	return cat.Get(strings.ToUpper(cardID))
}

func (c *cli) printIncidents(incidents []chaos.ChaosIncident) {
	c.printer.Title("Chaos drills")
	for _, inc := range incidents {
		fields := map[string]string{
			"incident_id": inc.IncidentID,
			"card_id":     inc.CardID,
			"resource":    inc.Resource,
			"outcome":     string(inc.Outcome),
			"mttd":        inc.MTTD.Round(time.Millisecond).String(),
			"mtth":        inc.MTTH.Round(time.Millisecond).String(),
		}
		if failed := inc.Gates.Failed(); len(failed) > 0 {
			fields["failed_gates"] = strings.Join(failed, ",")
		}
		if inc.Error != "" {
			fields["error"] = inc.Error
		}
		c.printer.Fields(inc.CardID, fields)
	}
}

func (c *cli) runCoverage(cmd *cobra.Command, _ []string) error {
	return c.withEngine(cmd, false, func(e *engine.Engine) error {
		cov, err := e.Chaos.Coverage(cmd.Context(), time.Now())
		if err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}
		if c.jsonOut {
			return c.printJSON(cov)
		}
		c.printer.Fields("coverage", map[string]string{
			"total_cards":      strconv.Itoa(cov.TotalCards),
			"drilled_recently": strconv.Itoa(cov.DrilledRecently),
			"never_drilled":    strconv.Itoa(cov.NeverDrilled),
			"overdue":          strconv.Itoa(len(cov.Overdue)),
		})
		c.printer.List("never_drilled", cov.NeverDrilledCards)
		c.printer.List("overdue", cov.Overdue)
		return nil
	})
}

func (c *cli) runBacklog(cmd *cobra.Command, _ []string) error {
	return c.withEngine(cmd, false, func(e *engine.Engine) error {
		items, err := e.Chaos.Backlog(cmd.Context())
		if err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}
		if c.jsonOut {
			return c.printJSON(items)
		}
		lines := make([]string, 0, len(items))
		for _, it := range items {
			lines = append(lines, fmt.Sprintf("%s %s on %s: %s (%s)",
				it.CreatedAt.Format(time.RFC3339), it.CardID, it.Resource,
				strings.Join(it.FailedGates, ","), it.Reason))
		}
		c.printer.List("backlog", lines)
		return nil
	})
}
