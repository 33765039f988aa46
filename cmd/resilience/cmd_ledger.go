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
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/resilience-engine/services/resilience/engine"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
)

// withLedger opens the configured ledger for the duration of fn.
func (c *cli) withLedger(cmd *cobra.Command, fn func(l *ledger.Ledger) error) error {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := c.logger(cfg)
	defer logger.Close()

	l, closeLedger, err := engine.OpenLedger(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		return NewCommandError(cmd.CommandPath(), ExitFailure, err)
	}
	defer closeLedger()
	return fn(l)
}

func (c *cli) runVerifyLedger(cmd *cobra.Command, _ []string) error {
	from, _ := cmd.Flags().GetUint64("from")
	return c.withLedger(cmd, func(l *ledger.Ledger) error {
		report, err := l.VerifyIntegrity(cmd.Context(), from)
		if err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}

		if c.jsonOut {
			if err := c.printJSON(report); err != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, err)
			}
		} else {
			c.printer.Title("Ledger verification")
			fields := map[string]string{
				"valid":    strconv.FormatBool(report.Valid),
				"from":     strconv.FormatUint(report.From, 10),
				"checked":  strconv.FormatUint(report.Checked, 10),
				"head_seq": strconv.FormatUint(report.HeadSeq, 10),
			}
			if report.FirstBreak != nil {
				fields["first_break"] = strconv.FormatUint(*report.FirstBreak, 10)
				fields["reason"] = report.Reason
			}
			c.printer.Fields("ledger", fields)
		}

		if !report.Valid {
			brk := uint64(0)
			if report.FirstBreak != nil {
				brk = *report.FirstBreak
			}
			return NewCommandError(cmd.CommandPath(), ExitFailure,
				fmt.Errorf("chain broken at sequence %d: %s", brk, report.Reason))
		}
		if !c.jsonOut {
			c.printer.Success(fmt.Sprintf("%d entries verified", report.Checked))
		}
		return nil
	})
}

func (c *cli) runLedgerStatus(cmd *cobra.Command, _ []string) error {
	return c.withLedger(cmd, func(l *ledger.Ledger) error {
		st := l.Status()
		if c.jsonOut {
			if err := c.printJSON(st); err != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, err)
			}
		} else {
			fields := map[string]string{
				"halted":    strconv.FormatBool(st.Halted),
				"head_seq":  strconv.FormatUint(st.HeadSeq, 10),
				"head_hash": st.HeadHash,
			}
			if st.Halted {
				fields["halt_reason"] = st.HaltReason
			}
			c.printer.Fields("ledger status", fields)
		}
		if st.Halted {
			return NewCommandError(cmd.CommandPath(), ExitFailure, ledger.ErrLedgerHalted)
		}
		return nil
	})
}

func (c *cli) runLedgerEntries(cmd *cobra.Command, _ []string) error {
	from, _ := cmd.Flags().GetUint64("from")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return NewCommandError(cmd.CommandPath(), ExitUsage, errors.New("--limit must be positive"))
	}

	return c.withLedger(cmd, func(l *ledger.Ledger) error {
		entries, err := l.Entries(cmd.Context(), from, limit)

		if c.jsonOut {
			if jerr := c.printJSON(entries); jerr != nil {
				return NewCommandError(cmd.CommandPath(), ExitFailure, jerr)
			}
		} else {
			for _, e := range entries {
				c.printer.Info(fmt.Sprintf("%d\t%s\t%s\t%s",
					e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Subsystem, e.EntryHash))
			}
		}
		if err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}
		return nil
	})
}

func (c *cli) runLedgerAck(cmd *cobra.Command, _ []string) error {
	operator, _ := cmd.Flags().GetString("operator")
	note, _ := cmd.Flags().GetString("note")
	return c.withLedger(cmd, func(l *ledger.Ledger) error {
		entry, err := l.Acknowledge(cmd.Context(), operator, note)
		if err != nil {
			return NewCommandError(cmd.CommandPath(), ExitFailure, err)
		}
		if c.jsonOut {
			return c.printJSON(entry)
		}
		c.printer.Success(fmt.Sprintf("halt acknowledged by %s at sequence %d", operator, entry.Sequence))
		return nil
	})
}
