// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the engine configuration from YAML, .env files and
// RESILIENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/resilience-engine/services/resilience/decision"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESILIENCE_"

// Config is the complete engine configuration.
type Config struct {
	// DataDir holds the workload service directories and on-disk stores.
	DataDir string `yaml:"data_dir" validate:"required"`

	Workload   WorkloadConfig   `yaml:"workload"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Governance GovernanceConfig `yaml:"governance"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Detector   DetectorConfig   `yaml:"detector"`
	Playbook   PlaybookConfig   `yaml:"playbook"`
	Chaos      ChaosConfig      `yaml:"chaos"`
	Decision   decision.Config  `yaml:"decision"`
	API        APIConfig        `yaml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

// WorkloadConfig describes the in-process services under remediation.
type WorkloadConfig struct {
	Services          []string      `yaml:"services" validate:"min=1,dive,required,hostname_rfc1123"`
	Workers           int           `yaml:"workers" validate:"gte=1"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
}

// LedgerConfig selects the ledger store.
type LedgerConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger sqlite postgres"`
	// Path is the badger directory or sqlite file. Relative paths resolve
	// under DataDir.
	Path string `yaml:"path" validate:"required_if=Backend badger,required_if=Backend sqlite"`
	DSN  string `yaml:"dsn" validate:"required_if=Backend postgres"`
}

// GovernanceConfig sets trust and policy.
type GovernanceConfig struct {
	TierFloors     map[string]float64 `yaml:"tier_floors" validate:"dive,keys,oneof=low medium high,endkeys,gte=0,lte=1"`
	Trust          map[string]float64 `yaml:"trust" validate:"dive,gte=0,lte=1"`
	DefaultTrust   float64            `yaml:"default_trust" validate:"gte=0,lte=1"`
	ComplianceExpr string             `yaml:"compliance_expr"`
	Quorum         int                `yaml:"quorum" validate:"gte=1"`
}

// MeshConfig tunes the event mesh and its optional NATS bridge.
type MeshConfig struct {
	QueueDepth   int           `yaml:"queue_depth" validate:"gte=1"`
	DedupeWindow int           `yaml:"dedupe_window" validate:"gte=1"`
	PendingTTL   time.Duration `yaml:"pending_ttl" validate:"gt=0"`
	NATSURL      string        `yaml:"nats_url" validate:"omitempty,url"`
	NATSSubject  string        `yaml:"nats_subject"`
}

// DetectorConfig tunes sampling and healing.
type DetectorConfig struct {
	ThresholdK       float64            `yaml:"threshold_k" validate:"gt=0"`
	Alpha            float64            `yaml:"alpha" validate:"gt=0,lte=1"`
	SampleInterval   time.Duration      `yaml:"sample_interval" validate:"gt=0"`
	HeartbeatTimeout time.Duration      `yaml:"heartbeat_timeout" validate:"gt=0"`
	RecoveryTimeout  time.Duration      `yaml:"recovery_timeout" validate:"gt=0"`
	RecoveryInterval time.Duration      `yaml:"recovery_interval" validate:"gt=0"`
	Criticality      map[string]float64 `yaml:"criticality" validate:"dive,gte=0,lte=1"`
	// SecretPatterns overrides the embedded scanner patterns.
	SecretPatterns string `yaml:"secret_patterns"`
}

// PlaybookConfig tunes the playbook engine.
type PlaybookConfig struct {
	Workers     int           `yaml:"workers" validate:"gte=1"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gt=0"`
	// Catalog overrides the embedded playbook catalog.
	Catalog string `yaml:"catalog"`
}

// ChaosConfig tunes the chaos harness.
type ChaosConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Catalog           string        `yaml:"catalog"`
	GateTimeoutFactor float64       `yaml:"gate_timeout_factor" validate:"gt=1"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Interval          time.Duration `yaml:"interval" validate:"gt=0"`
	Seed              uint64        `yaml:"seed"`
	Stress            bool          `yaml:"stress"`
	InjectionRate     float64       `yaml:"injection_rate" validate:"gte=0"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Addr      string `yaml:"addr" validate:"required,hostname_port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" validate:"required"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration that runs entirely in memory with three
// services and chaos drills disabled.
func Default() Config {
	return Config{
		DataDir: filepath.Join(os.TempDir(), "resilience"),
		Workload: WorkloadConfig{
			Services:          []string{"api", "worker", "cache"},
			Workers:           2,
			HeartbeatInterval: 100 * time.Millisecond,
		},
		Ledger: LedgerConfig{Backend: "memory"},
		Governance: GovernanceConfig{
			TierFloors: map[string]float64{"low": 0.2, "medium": 0.5, "high": 0.8},
			Trust: map[string]float64{
				"detector": 0.9,
				"healer":   0.9,
				"playbook": 0.9,
				"operator": 0.95,
			},
			DefaultTrust: 0.1,
			Quorum:       1,
		},
		Mesh: MeshConfig{
			QueueDepth:   1024,
			DedupeWindow: 4096,
			PendingTTL:   15 * time.Minute,
			NATSSubject:  "resilience",
		},
		Detector: DetectorConfig{
			ThresholdK:       3,
			Alpha:            0.2,
			SampleInterval:   100 * time.Millisecond,
			HeartbeatTimeout: 500 * time.Millisecond,
			RecoveryTimeout:  10 * time.Second,
			RecoveryInterval: 100 * time.Millisecond,
		},
		Playbook: PlaybookConfig{
			Workers:     4,
			MaxRetries:  2,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			StepTimeout: 30 * time.Second,
		},
		Chaos: ChaosConfig{
			GateTimeoutFactor: 2,
			PollInterval:      50 * time.Millisecond,
			Interval:          time.Hour,
			InjectionRate:     1,
		},
		Decision:  decision.DefaultConfig(),
		API:       APIConfig{Addr: "127.0.0.1:8088"},
		Telemetry: TelemetryConfig{ServiceName: "resilience-engine"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration.
//
// # Description
//
// Starts from Default, overlays the YAML file at path when path is not
// empty, loads a .env file from the working directory and from the config
// file's directory if present, then applies RESILIENCE_* overrides and
// validates the result. Variables already in the environment win over
// .env entries.
//
// # Outputs
//   - Config: The validated configuration.
//   - error: Unreadable or malformed file, bad override value, or a
//     validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	envFiles := []string{".env"}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		envFiles = append(envFiles, filepath.Join(filepath.Dir(path), ".env"))
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths() {
	if c.Ledger.Path != "" && !filepath.IsAbs(c.Ledger.Path) {
		c.Ledger.Path = filepath.Join(c.DataDir, c.Ledger.Path)
	}
}

// LedgerPath is the resolved ledger path, for badger and sqlite.
func (c *Config) LedgerPath() string { return c.Ledger.Path }

// WorkloadDir is where service directories live.
func (c *Config) WorkloadDir() string { return filepath.Join(c.DataDir, "workload") }

// ChaosStorePath is the badger directory for drill history and backlog.
func (c *Config) ChaosStorePath() string { return filepath.Join(c.DataDir, "chaos") }

// applyEnv overlays RESILIENCE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	parse := func(name string, fn func(string) error) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := fn(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		}
	}

	str("DATA_DIR", &c.DataDir)
	parse("SERVICES", func(v string) error {
		c.Workload.Services = splitList(v)
		return nil
	})
	str("LEDGER_BACKEND", &c.Ledger.Backend)
	str("LEDGER_PATH", &c.Ledger.Path)
	str("LEDGER_DSN", &c.Ledger.DSN)
	str("COMPLIANCE_EXPR", &c.Governance.ComplianceExpr)
	str("NATS_URL", &c.Mesh.NATSURL)
	str("NATS_SUBJECT", &c.Mesh.NATSSubject)
	parse("PLAYBOOK_WORKERS", integer(&c.Playbook.Workers))
	parse("RECOVERY_TIMEOUT", duration(&c.Detector.RecoveryTimeout))
	parse("CHAOS_ENABLED", boolean(&c.Chaos.Enabled))
	parse("CHAOS_INTERVAL", duration(&c.Chaos.Interval))
	parse("CHAOS_STRESS", boolean(&c.Chaos.Stress))
	parse("CHAOS_SEED", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		c.Chaos.Seed = n
		return err
	})
	parse("CONFIDENCE_FLOOR", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Decision.ConfidenceFloor = f
		return err
	})
	str("API_ADDR", &c.API.Addr)
	str("JWT_SECRET", &c.API.JWTSecret)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_DIR", &c.Log.Dir)
	parse("LOG_JSON", boolean(&c.Log.JSON))
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
