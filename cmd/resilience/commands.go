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
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/resilience-engine/pkg/logging"
	"github.com/AleutianAI/resilience-engine/pkg/ux"
	"github.com/AleutianAI/resilience-engine/services/resilience/config"
	"github.com/AleutianAI/resilience-engine/services/resilience/engine"
)

// cli holds the global flags and output shared by every command.
type cli struct {
	configPath string
	jsonOut    bool
	verbose    bool
	printer    *ux.Printer
}

// newRootCmd builds the command tree.
func newRootCmd(p *ux.Printer) *cobra.Command {
	c := &cli{printer: p}

	root := &cobra.Command{
		Use:           "resilience",
		Short:         "Run and inspect the autonomous resilience engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log engine activity to stderr")

	// --- Ledger ---
	verifyCmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Verify the hash chain of the audit ledger",
		Args:  cobra.NoArgs,
		RunE:  c.runVerifyLedger,
	}
	verifyCmd.Flags().Uint64("from", 0, "first sequence to verify (0 = genesis)")

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or acknowledge the audit ledger",
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger head and halt state",
		Args:  cobra.NoArgs,
		RunE:  c.runLedgerStatus,
	}
	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "Page through ledger entries",
		Args:  cobra.NoArgs,
		RunE:  c.runLedgerEntries,
	}
	entriesCmd.Flags().Uint64("from", 1, "first sequence to list")
	entriesCmd.Flags().Int("limit", 20, "maximum entries to list")
	ackCmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a ledger halt after repairing the store",
		Args:  cobra.NoArgs,
		RunE:  c.runLedgerAck,
	}
	ackCmd.Flags().String("operator", "", "operator identity recorded in the ledger")
	ackCmd.Flags().String("note", "", "free-form note recorded with the acknowledgement")
	_ = ackCmd.MarkFlagRequired("operator")
	ledgerCmd.AddCommand(statusCmd, entriesCmd, ackCmd)

	// --- Chaos ---
	chaosCmd := &cobra.Command{
		Use:   "chaos",
		Short: "Drill failure cards against the running workload",
	}
	chaosRunCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one chaos cycle, or a single card",
		Args:  cobra.NoArgs,
		RunE:  c.runChaos,
	}
	chaosRunCmd.Flags().Bool("stress", false, "inject several cards concurrently on distinct resources")
	chaosRunCmd.Flags().String("card", "", "drill only this card ID")
	chaosRunCmd.Flags().String("resource", "", "target resource for --card (default: first service)")
	coverageCmd := &cobra.Command{
		Use:   "coverage",
		Short: "Report cards never drilled or overdue",
		Args:  cobra.NoArgs,
		RunE:  c.runCoverage,
	}
	backlogCmd := &cobra.Command{
		Use:   "backlog",
		Short: "List backlog items filed by failed drills",
		Args:  cobra.NoArgs,
		RunE:  c.runBacklog,
	}
	chaosCmd.AddCommand(chaosRunCmd, coverageCmd, backlogCmd)

	// --- Serve ---
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}

	root.AddCommand(verifyCmd, ledgerCmd, chaosCmd, serveCmd)
	return root
}

// loadConfig loads --config. Failures are usage errors.
func (c *cli) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, NewCommandError(cmd.CommandPath(), ExitUsage, err)
	}
	return cfg, nil
}

// logger returns a stderr logger when --verbose, otherwise a silent one.
func (c *cli) logger(cfg config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{Level: level, Quiet: !c.verbose, JSON: cfg.Log.JSON, Service: "resilience-cli"})
}

// newEngine builds the engine, quiet unless --verbose.
func (c *cli) newEngine(ctx context.Context, cmd *cobra.Command, cfg config.Config) (*engine.Engine, error) {
	var opts []engine.Option
	if !c.verbose {
		opts = append(opts, engine.WithQuietLogs())
	}
	e, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		return nil, NewCommandError(cmd.CommandPath(), ExitFailure, err)
	}
	return e, nil
}

// printJSON writes v as indented JSON to stdout.
func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.printer.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
