// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the resilience engine over HTTP.
//
// The API is read-mostly: ledger verification and paging, anomaly and
// chaos status, and the two operator writes (approving an escalated event,
// asking for a decision). Writes refuse with 503 while the ledger is
// halted so nothing can act without an audit trail.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/ledger/status
//	GET  /v1/ledger/verify?from=
//	GET  /v1/ledger/entries?from=&limit=
//	GET  /v1/anomalies
//	GET  /v1/tasks
//	GET  /v1/chaos/coverage
//	GET  /v1/chaos/incidents
//	GET  /v1/chaos/backlog
//	GET  /v1/approvals
//	POST /v1/approvals/:event_id   (Bearer JWT, subject = approver)
//	POST /v1/decisions
//
// Every /v1 route is also served without the prefix (/ledger/verify,
// /chaos/coverage, ...).
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/resilience-engine/services/resilience/chaos"
	"github.com/AleutianAI/resilience-engine/services/resilience/decision"
	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
)

// maxPage caps /v1/ledger/entries.
const maxPage = 1000

// =============================================================================
// Dependencies
// =============================================================================

// LedgerService is the ledger surface the API reads.
type LedgerService interface {
	VerifyIntegrity(ctx context.Context, from uint64) (ledger.Report, error)
	Entries(ctx context.Context, from uint64, limit int) ([]ledger.Entry, error)
	Status() ledger.Status
}

// ApprovalService resolves escalated events.
type ApprovalService interface {
	Approve(ctx context.Context, eventID, approver string) (governance.Verdict, error)
	Pending() []mesh.PendingEvent
}

// AnomalyService lists healer state.
type AnomalyService interface {
	Anomalies() []detector.Anomaly
	Tasks() []detector.RemediationTask
}

// ChaosService reports drill state.
type ChaosService interface {
	Coverage(ctx context.Context, now time.Time) (chaos.Coverage, error)
	Incidents() []chaos.ChaosIncident
	Backlog(ctx context.Context) ([]chaos.BacklogItem, error)
}

// Decider produces an action decision for a request.
type Decider interface {
	Decide(ctx context.Context, req governance.Request) (decision.Decision, error)
}

// Deps are the services behind the routes. Ledger is required; a nil
// Chaos leaves the chaos routes unregistered.
type Deps struct {
	Ledger    LedgerService
	Approvals ApprovalService
	Anomalies AnomalyService
	Chaos     ChaosService
	Decider   Decider
}

// =============================================================================
// Server
// =============================================================================

// Config configures the HTTP server.
type Config struct {
	Addr        string
	JWTSecret   string
	ServiceName string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server is the resilience HTTP API.
type Server struct {
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	router   *gin.Engine
}

// NewServer builds the router. It does not listen until Run.
func NewServer(deps Deps, cfg Config, opts ...Option) (*Server, error) {
	if deps.Ledger == nil {
		return nil, errors.New("api: ledger is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "resilience-api"
	}
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(requestLogger(s.logger))
	SetupRoutes(router, s.deps, []byte(cfg.JWTSecret), s.gatherer)
	s.router = router
	return s, nil
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// SetupRoutes registers every route on router. The API is served under
// /v1 and, for clients written against the unversioned paths, at the root.
func SetupRoutes(router *gin.Engine, deps Deps, jwtSecret []byte, gatherer prometheus.Gatherer) {
	router.GET("/health", handleHealth(deps.Ledger))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	registerAPI(router.Group("/v1"), deps, jwtSecret)
	registerAPI(router.Group("/"), deps, jwtSecret)
}

func registerAPI(g *gin.RouterGroup, deps Deps, jwtSecret []byte) {
	ledgerGroup := g.Group("/ledger")
	{
		ledgerGroup.GET("/status", handleLedgerStatus(deps.Ledger))
		ledgerGroup.GET("/verify", handleLedgerVerify(deps.Ledger))
		ledgerGroup.GET("/entries", handleLedgerEntries(deps.Ledger))
	}

	if deps.Anomalies != nil {
		g.GET("/anomalies", handleAnomalies(deps.Anomalies))
		g.GET("/tasks", handleTasks(deps.Anomalies))
	}

	if deps.Chaos != nil {
		chaosGroup := g.Group("/chaos")
		{
			chaosGroup.GET("/coverage", handleCoverage(deps.Chaos))
			chaosGroup.GET("/incidents", handleIncidents(deps.Chaos))
			chaosGroup.GET("/backlog", handleBacklog(deps.Chaos))
		}
	}

	if deps.Approvals != nil {
		g.GET("/approvals", handlePending(deps.Approvals))
		g.POST("/approvals/:event_id",
			ApproverAuth(jwtSecret),
			requireLedger(deps.Ledger),
			handleApprove(deps.Approvals))
	}

	if deps.Decider != nil {
		g.POST("/decisions", requireLedger(deps.Ledger), handleDecide(deps.Decider))
	}
}

// =============================================================================
// Middleware
// =============================================================================

// requireLedger fails fast with 503 while the ledger is halted.
func requireLedger(l LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if st := l.Status(); st.Halted {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":  "ledger_halted",
				"reason": st.HaltReason,
			})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// =============================================================================
// Handlers
// =============================================================================

func handleHealth(l LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := l.Status()
		status := "ok"
		if st.Halted {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "ledger": st})
	}
}

func handleLedgerStatus(l LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, l.Status())
	}
}

// handleLedgerVerify returns 200 for an intact chain and 409 with the
// report when a break is found.
func handleLedgerVerify(l LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := uintQuery(c, "from", 0)
		if !ok {
			return
		}
		report, err := l.VerifyIntegrity(c.Request.Context(), from)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_failed", "detail": err.Error()})
			return
		}
		if !report.Valid {
			c.JSON(http.StatusConflict, report)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func handleLedgerEntries(l LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := uintQuery(c, "from", 1)
		if !ok {
			return
		}
		limit, ok := uintQuery(c, "limit", 100)
		if !ok {
			return
		}
		if limit == 0 || limit > maxPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "max": maxPage})
			return
		}
		entries, err := l.Entries(c.Request.Context(), from, int(limit))
		switch {
		case errors.Is(err, ledger.ErrCorruptRecord):
			c.JSON(http.StatusConflict, gin.H{"error": "corrupt_record", "detail": err.Error(), "entries": entries})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
		}
	}
}

func handleAnomalies(a AnomalyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"anomalies": a.Anomalies()})
	}
}

func handleTasks(a AnomalyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": a.Tasks()})
	}
}

func handleCoverage(ch ChaosService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cov, err := ch.Coverage(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "coverage_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cov)
	}
}

func handleIncidents(ch ChaosService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"incidents": ch.Incidents()})
	}
}

func handleBacklog(ch ChaosService) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := ch.Backlog(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "backlog_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func handlePending(a ApprovalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": a.Pending()})
	}
}

func handleApprove(a ApprovalService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.Param("event_id")
		verdict, err := a.Approve(c.Request.Context(), eventID, approverFrom(c))
		switch {
		case errors.Is(err, mesh.ErrNotPending):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_pending", "event_id": eventID})
		case errors.Is(err, ledger.ErrLedgerHalted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_halted"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "approve_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, verdict)
		}
	}
}

// decisionRequest is the POST /v1/decisions body.
type decisionRequest struct {
	Actor    string         `json:"actor" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	Resource string         `json:"resource" binding:"required"`
	RiskTier string         `json:"risk_tier"`
	Context  map[string]any `json:"context"`
}

func handleDecide(d Decider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body decisionRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
			return
		}
		tier := governance.RiskLow
		if body.RiskTier != "" {
			parsed, err := governance.ParseRiskTier(body.RiskTier)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_risk_tier", "detail": err.Error()})
				return
			}
			tier = parsed
		}
		dec, err := d.Decide(c.Request.Context(), governance.Request{
			Actor:    body.Actor,
			Action:   body.Action,
			Resource: body.Resource,
			RiskTier: tier,
			Context:  body.Context,
		})
		switch {
		case errors.Is(err, decision.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		case errors.Is(err, ledger.ErrLedgerHalted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_halted"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "decide_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, dec)
		}
	}
}

// uintQuery parses an optional unsigned query parameter, writing 400 and
// returning false on a malformed value.
func uintQuery(c *gin.Context, name string, def uint64) (uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name, "detail": err.Error()})
		return 0, false
	}
	return v, true
}
