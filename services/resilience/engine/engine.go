// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the resilience subsystems together.
//
// # Description
//
// New builds every component from a config.Config in dependency order:
//
//	logging -> metrics -> ledger -> governance gate -> mesh
//	        -> workload -> sampler -> playbook engine -> healer
//	        -> decision synthesizer -> chaos harness -> API
//
// Start launches the background loops (workload services, sampling,
// config watching, pending-approval expiry, the optional NATS bridge).
// Run adds the HTTP API and, when enabled, periodic chaos drills, and
// blocks until the context ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/resilience-engine/pkg/logging"
	"github.com/AleutianAI/resilience-engine/services/resilience/api"
	"github.com/AleutianAI/resilience-engine/services/resilience/chaos"
	"github.com/AleutianAI/resilience-engine/services/resilience/config"
	"github.com/AleutianAI/resilience-engine/services/resilience/decision"
	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
	"github.com/AleutianAI/resilience-engine/services/resilience/observability"
	"github.com/AleutianAI/resilience-engine/services/resilience/playbook"
	"github.com/AleutianAI/resilience-engine/services/resilience/storage/badger"
	"github.com/AleutianAI/resilience-engine/services/resilience/workload"
)

// logRingCapacity is how many recent log lines chaos artifacts can draw on.
const logRingCapacity = 4096

// Option configures New.
type Option func(*options)

type options struct {
	quiet    bool
	registry *prometheus.Registry
}

// WithQuietLogs disables stderr logging. Logs still reach files and the
// chaos artifact ring.
func WithQuietLogs() Option {
	return func(o *options) { o.quiet = true }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Engine owns every running subsystem.
//
// # Thread Safety
//
// The exported components are safe for concurrent use. Start, Run and
// Close must not be called concurrently with each other.
type Engine struct {
	Config config.Config

	Logger    *logging.Logger
	Logs      *logging.RingExporter
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Ledger    *ledger.Ledger
	Approvals *governance.Approvals
	Gate      *governance.Gate
	Mesh      *mesh.Mesh
	Workload  *workload.Workload
	Sampler   *detector.Sampler
	Playbooks *playbook.Engine
	Healer    *detector.Healer
	Outcomes  *decision.History
	Decisions *decision.Synthesizer
	Chaos     *chaos.Harness
	Drills    chaos.History

	ledgerStore ledger.Store
	chaosDB     *badger.DB
	nc          *nats.Conn
	bridge      *mesh.NATSBridge
	stopTracer  func(context.Context)

	cancel  context.CancelFunc
	started bool
}

// New builds an engine from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Engine, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{Config: cfg}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if err := e.initLogging(o.quiet); err != nil {
		return nil, err
	}
	logger := e.Logger.Slog()

	e.Registry = o.registry
	if e.Registry == nil {
		e.Registry = prometheus.NewRegistry()
		e.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e.Metrics = observability.NewMetrics(e.Registry)

	if cfg.Telemetry.OTLPEndpoint != "" {
		stop, err := observability.InitTracer(ctx, observability.TracingConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		e.stopTracer = stop
	}

	if err := e.initLedger(ctx, logger); err != nil {
		return nil, err
	}
	if err := e.initGovernance(logger); err != nil {
		return nil, err
	}
	if err := e.initMesh(logger); err != nil {
		return nil, err
	}
	if err := e.initWorkload(logger); err != nil {
		return nil, err
	}
	if err := e.initHealing(logger); err != nil {
		return nil, err
	}
	e.Decisions = decision.NewSynthesizer(e.Gate, e.Healer, e.Outcomes, cfg.Decision,
		decision.WithLogger(logger),
		decision.WithMetrics(e.Metrics),
		decision.WithLedger(e.Ledger))
	if err := e.initChaos(logger); err != nil {
		return nil, err
	}

	logger.Info("engine initialised",
		"ledger_backend", cfg.Ledger.Backend,
		"services", cfg.Workload.Services,
		"chaos_enabled", cfg.Chaos.Enabled)
	return e, nil
}

// =============================================================================
// Construction
// =============================================================================

func (e *Engine) initLogging(quiet bool) error {
	level, err := logging.ParseLevel(e.Config.Log.Level)
	if err != nil {
		return err
	}
	e.Logs = logging.NewRingExporter(logRingCapacity)
	e.Logger = logging.New(logging.Config{
		Level:    level,
		LogDir:   e.Config.Log.Dir,
		Service:  "resilience",
		JSON:     e.Config.Log.JSON,
		Quiet:    quiet,
		Exporter: e.Logs,
	})
	return nil
}

// openLedgerStore selects the store named by cfg.Ledger.Backend.
func openLedgerStore(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Backend {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "badger":
		return ledger.OpenBadgerStore(cfg.LedgerPath())
	case "sqlite":
		return ledger.OpenSQLStore(ctx, ledger.DialectSQLite, cfg.LedgerPath())
	case "postgres":
		return ledger.OpenSQLStore(ctx, ledger.DialectPostgres, cfg.Ledger.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// OpenLedger opens only the configured ledger, for tools that inspect the
// chain without running the engine. closeFn releases the ledger and its store.
func OpenLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (l *ledger.Ledger, closeFn func() error, err error) {
	store, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger store: %w", err)
	}
	l, err = ledger.Open(ctx, store, ledger.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, func() error {
		return errors.Join(l.Close(), store.Close())
	}, nil
}

func (e *Engine) initLedger(ctx context.Context, logger *slog.Logger) error {
	store, err := openLedgerStore(ctx, e.Config)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	e.ledgerStore = store
	e.Ledger, err = ledger.Open(ctx, store, ledger.WithLogger(logger), ledger.WithMetrics(e.Metrics))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	return nil
}

func (e *Engine) initGovernance(logger *slog.Logger) error {
	gc := e.Config.Governance
	floors := governance.DefaultTierFloors()
	for name, v := range gc.TierFloors {
		tier, err := governance.ParseRiskTier(name)
		if err != nil {
			return err
		}
		floors[tier] = v
	}

	e.Approvals = governance.NewApprovals(gc.Quorum).WithTTL(e.Config.Mesh.PendingTTL)
	gateOpts := []governance.GateOption{
		governance.WithFloors(floors),
		governance.WithApprovals(e.Approvals),
		governance.WithGateLogger(logger),
		governance.WithGateMetrics(e.Metrics),
	}
	if gc.ComplianceExpr != "" {
		fn, err := governance.NewCELCompliance(gc.ComplianceExpr)
		if err != nil {
			return fmt.Errorf("compliance expression: %w", err)
		}
		gateOpts = append(gateOpts, governance.WithCompliance(fn))
	}
	e.Gate = governance.NewGate(e.Ledger, governance.NewTrustTable(gc.Trust, gc.DefaultTrust), gateOpts...)
	return nil
}

func (e *Engine) initMesh(logger *slog.Logger) error {
	mc := e.Config.Mesh
	m, err := mesh.New(e.Gate, mesh.Config{
		QueueDepth:   mc.QueueDepth,
		DedupeWindow: mc.DedupeWindow,
		PendingTTL:   mc.PendingTTL,
	},
		mesh.WithLogger(logger),
		mesh.WithMetrics(e.Metrics),
		mesh.WithApprover(e.Approvals),
		mesh.WithLedger(e.Ledger))
	if err != nil {
		return fmt.Errorf("create mesh: %w", err)
	}
	e.Mesh = m

	if mc.NATSURL != "" {
		nc, err := mesh.ConnectNATS(mc.NATSURL, logger)
		if err != nil {
			return err
		}
		e.nc = nc
		e.bridge = mesh.NewNATSBridge(nc, m, mc.NATSSubject, "anomaly.>", logger)
	}
	return nil
}

// newScanner loads the secret scanner, from SecretPatterns when set.
func newScanner(path string) (*detector.Scanner, error) {
	if path == "" {
		return detector.NewScanner()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret patterns: %w", err)
	}
	return detector.ParseScanner(data)
}

func (e *Engine) initWorkload(logger *slog.Logger) error {
	scanner, err := newScanner(e.Config.Detector.SecretPatterns)
	if err != nil {
		return err
	}
	wc := e.Config.Workload
	e.Workload, err = workload.New(e.Config.WorkloadDir(), wc.Services, workload.Options{
		Workers:           wc.Workers,
		HeartbeatInterval: wc.HeartbeatInterval,
		Filter:            scanner,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create workload: %w", err)
	}
	return nil
}

func (e *Engine) initHealing(logger *slog.Logger) error {
	dc := e.Config.Detector
	e.Sampler = detector.NewSampler(e.Workload, e.Mesh, detector.SamplerConfig{
		ThresholdK:       dc.ThresholdK,
		Alpha:            dc.Alpha,
		Interval:         dc.SampleInterval,
		HeartbeatTimeout: dc.HeartbeatTimeout,
	}, detector.DefaultRules(dc.HeartbeatTimeout), logger)

	pc := e.Config.Playbook
	catalog, err := loadPlaybooks(pc.Catalog)
	if err != nil {
		return err
	}
	pbCfg := playbook.DefaultConfig()
	pbCfg.Workers = pc.Workers
	pbCfg.MaxRetries = pc.MaxRetries
	pbCfg.Backoff.Base = pc.BaseBackoff
	pbCfg.Backoff.Max = pc.MaxBackoff
	pbCfg.StepTimeout = pc.StepTimeout
	e.Playbooks = playbook.NewEngine(e.Workload, e.Ledger, pbCfg,
		playbook.WithLogger(logger),
		playbook.WithMetrics(e.Metrics))

	e.Outcomes = decision.NewHistory()
	e.Healer = detector.NewHealer(e.Mesh, catalog, e.Playbooks, e.Sampler, detector.HealerConfig{
		RecoveryTimeout:  dc.RecoveryTimeout,
		RecoveryInterval: dc.RecoveryInterval,
		Criticality:      dc.Criticality,
	},
		detector.WithHealerLogger(logger),
		detector.WithHealerMetrics(e.Metrics),
		detector.WithHealerLedger(e.Ledger),
		detector.WithOutcome(e.Outcomes.ObserveHealing))
	return nil
}

func loadPlaybooks(path string) (*playbook.Catalog, error) {
	if path == "" {
		return playbook.DefaultCatalog()
	}
	return playbook.LoadCatalog(path)
}

func loadCards(path string) (*chaos.Catalog, error) {
	if path == "" {
		return chaos.DefaultCatalog()
	}
	return chaos.LoadCatalog(path)
}

func (e *Engine) initChaos(logger *slog.Logger) error {
	cc := e.Config.Chaos
	cards, err := loadCards(cc.Catalog)
	if err != nil {
		return fmt.Errorf("load failure cards: %w", err)
	}

	if e.Config.Ledger.Backend == "" || e.Config.Ledger.Backend == "memory" {
		e.Drills = chaos.NewMemoryStore()
	} else {
		db, err := badger.Open(badger.DefaultConfig(e.Config.ChaosStorePath()))
		if err != nil {
			return fmt.Errorf("open chaos store: %w", err)
		}
		e.chaosDB = db
		e.Drills = chaos.NewBadgerStore(db)
	}

	e.Chaos = chaos.NewHarness(e.Mesh, e.Workload,
		chaos.NewWorkloadInjector(e.Workload, cc.InjectionRate),
		chaos.NewSelector(cards, e.Drills, cc.Seed),
		e.Drills,
		chaos.HarnessConfig{
			GateTimeoutFactor: cc.GateTimeoutFactor,
			PollInterval:      cc.PollInterval,
		},
		chaos.WithHarnessLogger(logger),
		chaos.WithHarnessMetrics(e.Metrics),
		chaos.WithHarnessLedger(e.Ledger),
		chaos.WithLogSource(e.Logs))
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the workload and every background loop. They stop when
// ctx ends or on Close.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.New("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	logger := e.Logger.Slog()

	if err := e.Healer.Start(); err != nil {
		return fmt.Errorf("start healer: %w", err)
	}
	if err := e.Chaos.Start(); err != nil {
		return fmt.Errorf("start chaos harness: %w", err)
	}
	if e.bridge != nil {
		if err := e.bridge.Start(ctx); err != nil {
			return fmt.Errorf("start NATS bridge: %w", err)
		}
	}

	e.Workload.Start(ctx)
	go e.Sampler.Run(ctx)

	// Config and log writes are sampled immediately instead of waiting for
	// the next tick.
	if err := e.Workload.Watch(ctx, func(resource string) {
		if err := e.Sampler.SampleNow(ctx, resource); err != nil && ctx.Err() == nil {
			logger.Debug("on-change sample failed", "resource", resource, "error", err)
		}
	}); err != nil {
		logger.Warn("config watch unavailable, relying on polling", "error", err)
	}

	go e.expirePending(ctx)
	logger.Info("engine started")
	return nil
}

// expirePending drops escalated events whose approval window lapsed.
func (e *Engine) expirePending(ctx context.Context) {
	interval := e.Config.Mesh.PendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Mesh.CheckTimeouts(ctx); err != nil && ctx.Err() == nil {
				e.Logger.Warn("pending expiry failed", "error", err)
			}
		}
	}
}

// API builds the HTTP server over the engine's components.
func (e *Engine) API() (*api.Server, error) {
	return api.NewServer(api.Deps{
		Ledger:    e.Ledger,
		Approvals: e.Mesh,
		Anomalies: e.Healer,
		Chaos:     e.Chaos,
		Decider:   e.Decisions,
	}, api.Config{
		Addr:        e.Config.API.Addr,
		JWTSecret:   e.Config.API.JWTSecret,
		ServiceName: e.Config.Telemetry.ServiceName,
	}, api.WithLogger(e.Logger.Slog()), api.WithGatherer(e.Registry))
}

// Run starts the engine, serves the API and runs periodic drills when
// chaos is enabled. It returns when ctx ends or a loop fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	server, err := e.API()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if e.Config.Chaos.Enabled {
		sched := chaos.NewPeriodicScheduler(e.Config.Chaos.Interval)
		g.Go(func() error {
			err := e.Chaos.Run(gctx, sched, e.Config.Chaos.Stress)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Close stops every component in reverse order of construction. It is
// safe to call on a partially built engine.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	var errs []error
	if e.Chaos != nil {
		e.Chaos.Close()
	}
	if e.Healer != nil {
		e.Healer.Close()
	}
	if e.Workload != nil {
		e.Workload.Stop()
	}
	if e.bridge != nil {
		errs = append(errs, e.bridge.Stop())
	}
	if e.nc != nil {
		e.nc.Close()
	}
	if e.Mesh != nil {
		errs = append(errs, e.Mesh.Close())
	}
	if e.chaosDB != nil {
		errs = append(errs, e.chaosDB.Close())
	}
	if e.Ledger != nil {
		errs = append(errs, e.Ledger.Close())
	}
	if e.ledgerStore != nil {
		errs = append(errs, e.ledgerStore.Close())
	}
	if e.stopTracer != nil {
		e.stopTracer(context.Background())
	}
	if e.Logger != nil {
		errs = append(errs, e.Logger.Close())
	}
	return errors.Join(errs...)
}
