// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/resilience-engine/services/resilience/chaos"
	"github.com/AleutianAI/resilience-engine/services/resilience/decision"
	"github.com/AleutianAI/resilience-engine/services/resilience/detector"
	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
	"github.com/AleutianAI/resilience-engine/services/resilience/ledger"
	"github.com/AleutianAI/resilience-engine/services/resilience/mesh"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecret = []byte("test-secret")

// brokenLedger reports a chain break at sequence 3 and a halt.
type brokenLedger struct{}

func (brokenLedger) VerifyIntegrity(context.Context, uint64) (ledger.Report, error) {
	seq := uint64(3)
	return ledger.Report{Valid: false, FirstBreak: &seq, Reason: "entry hash mismatch", Checked: 3, HeadSeq: 5}, nil
}

func (brokenLedger) Entries(context.Context, uint64, int) ([]ledger.Entry, error) {
	return nil, fmt.Errorf("sequence 3: %w", ledger.ErrCorruptRecord)
}

func (brokenLedger) Status() ledger.Status {
	return ledger.Status{Halted: true, HaltReason: "integrity break at 3", HeadSeq: 5}
}

type fakeApprovals struct {
	approved []string
}

func (f *fakeApprovals) Approve(_ context.Context, eventID, approver string) (governance.Verdict, error) {
	if eventID != "evt-1" {
		return governance.Verdict{}, mesh.ErrNotPending
	}
	f.approved = append(f.approved, approver)
	return governance.Verdict{EventID: eventID, Decision: governance.DecisionAllow}, nil
}

func (f *fakeApprovals) Pending() []mesh.PendingEvent {
	return []mesh.PendingEvent{{Event: mesh.Event{EventID: "evt-1"}, QueuedAt: time.Now()}}
}

type fakeAnomalies struct{}

func (fakeAnomalies) Anomalies() []detector.Anomaly {
	return []detector.Anomaly{{AnomalyID: "a-1", Resource: "api", Severity: 2}}
}

func (fakeAnomalies) Tasks() []detector.RemediationTask { return nil }

type fakeChaos struct{}

func (fakeChaos) Coverage(context.Context, time.Time) (chaos.Coverage, error) {
	return chaos.Coverage{TotalCards: 4, NeverDrilled: 1, NeverDrilledCards: []string{"CE001"}}, nil
}

func (fakeChaos) Incidents() []chaos.ChaosIncident {
	return []chaos.ChaosIncident{{IncidentID: "inc-1", CardID: "CE001", Outcome: chaos.OutcomeFailed}}
}

func (fakeChaos) Backlog(context.Context) ([]chaos.BacklogItem, error) {
	return []chaos.BacklogItem{{ItemID: "b-1", CardID: "CE001"}}, nil
}

type fakeDecider struct{}

func (fakeDecider) Decide(_ context.Context, req governance.Request) (decision.Decision, error) {
	if req.Actor == "" {
		return decision.Decision{}, decision.ErrInvalidRequest
	}
	return decision.Decision{Action: decision.ActionExecute, Confidence: 0.8}, nil
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), "test", map[string]any{"i": i})
		require.NoError(t, err)
	}
	return l
}

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Approvals == nil {
		deps.Approvals = &fakeApprovals{}
	}
	deps.Anomalies = fakeAnomalies{}
	deps.Chaos = fakeChaos{}
	deps.Decider = fakeDecider{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "resilience_test_total"}))
	s, err := NewServer(deps, Config{JWTSecret: string(testSecret)}, WithGatherer(reg))
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	tok, err := IssueToken(testSecret, subject, time.Minute)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

// =============================================================================
// Ledger Routes
// =============================================================================

func TestNewServer_RequiresLedger(t *testing.T) {
	_, err := NewServer(Deps{}, Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})
	w := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	h = newTestServer(t, Deps{Ledger: brokenLedger{}})
	w = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestLedgerVerify_Intact(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})
	w := do(t, h, http.MethodGet, "/v1/ledger/verify", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report ledger.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Nil(t, report.FirstBreak)
	assert.Equal(t, uint64(3), report.Checked)
}

func TestLedgerVerify_BreakIsConflict(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: brokenLedger{}})
	w := do(t, h, http.MethodGet, "/v1/ledger/verify", "", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	var report ledger.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.NotNil(t, report.FirstBreak)
	assert.Equal(t, uint64(3), *report.FirstBreak)
}

func TestLedgerEntries(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{"default page", "", http.StatusOK, 3},
		{"from and limit", "?from=2&limit=1", http.StatusOK, 1},
		{"bad from", "?from=abc", http.StatusBadRequest, 0},
		{"negative limit", "?limit=-1", http.StatusBadRequest, 0},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
		{"limit over max", "?limit=5000", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/v1/ledger/entries"+tt.query, "", nil)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Entries []ledger.Entry `json:"entries"`
				Count   int            `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.count, body.Count)
			assert.Len(t, body.Entries, tt.count)
		})
	}
}

func TestLedgerEntries_CorruptIsConflict(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: brokenLedger{}})
	w := do(t, h, http.MethodGet, "/v1/ledger/entries", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "corrupt_record")
}

// =============================================================================
// Status Routes
// =============================================================================

func TestReadOnlyRoutes(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})

	tests := []struct {
		path string
		want string
	}{
		{"/v1/ledger/status", `"head_seq":3`},
		{"/v1/anomalies", `"anomaly_id":"a-1"`},
		{"/v1/tasks", `"tasks"`},
		{"/v1/chaos/coverage", `"never_drilled":1`},
		{"/v1/chaos/incidents", `"incident_id":"inc-1"`},
		{"/v1/chaos/backlog", `"item_id":"b-1"`},
		{"/v1/approvals", `"evt-1"`},
		{"/metrics", "resilience_test_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestUnversionedRoutes(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})

	tests := []struct {
		path string
		want string
	}{
		{"/ledger/verify", `"valid":true`},
		{"/ledger/entries?from=2", `"count":2`},
		{"/ledger/status", `"head_seq":3`},
		{"/chaos/coverage", `"never_drilled_cards":["CE001"]`},
		{"/anomalies", `"anomaly_id":"a-1"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}

	var cov chaos.Coverage
	w := do(t, h, http.MethodGet, "/chaos/coverage", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cov))
	assert.Equal(t, 4, cov.TotalCards)
	assert.Equal(t, 1, cov.NeverDrilled)

	w = do(t, h, http.MethodPost, "/approvals/evt-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "unversioned writes keep the JWT guard")
}

// =============================================================================
// Approvals
// =============================================================================

func TestApprove(t *testing.T) {
	approvals := &fakeApprovals{}
	h := newTestServer(t, Deps{Ledger: openLedger(t), Approvals: approvals})

	w := do(t, h, http.MethodPost, "/v1/approvals/evt-1", "", bearer(t, "alice"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"alice"}, approvals.approved)

	w = do(t, h, http.MethodPost, "/v1/approvals/evt-404", "", bearer(t, "alice"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprove_Auth(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, ApproverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredTok, err := expired.SignedString(testSecret)
	require.NoError(t, err)

	wrongKey, err := IssueToken([]byte("other"), "bob", time.Minute)
	require.NoError(t, err)

	noSubject, err := IssueToken(testSecret, "", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header map[string]string
	}{
		{"missing", nil},
		{"not bearer", map[string]string{"Authorization": "Basic abc"}},
		{"expired", map[string]string{"Authorization": "Bearer " + expiredTok}},
		{"wrong key", map[string]string{"Authorization": "Bearer " + wrongKey}},
		{"no subject", map[string]string{"Authorization": "Bearer " + noSubject}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/approvals/evt-1", "", tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestApprove_DisabledWithoutSecret(t *testing.T) {
	s, err := NewServer(Deps{Ledger: openLedger(t), Approvals: &fakeApprovals{}}, Config{},
		WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, err)
	w := do(t, s.Handler(), http.MethodPost, "/v1/approvals/evt-1", "", bearer(t, "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWrites_FailFastWhenLedgerHalted(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: brokenLedger{}})

	w := do(t, h, http.MethodPost, "/v1/approvals/evt-1", "", bearer(t, "alice"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ledger_halted")

	w = do(t, h, http.MethodPost, "/v1/decisions",
		`{"actor":"healer","action":"restart_service","resource":"api"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// Decisions
// =============================================================================

func TestDecide(t *testing.T) {
	h := newTestServer(t, Deps{Ledger: openLedger(t)})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"ok", `{"actor":"healer","action":"restart_service","resource":"api","risk_tier":"medium"}`, http.StatusOK},
		{"missing actor", `{"action":"restart_service","resource":"api"}`, http.StatusBadRequest},
		{"bad tier", `{"actor":"healer","action":"restart_service","resource":"api","risk_tier":"extreme"}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/decisions", tt.body, nil)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.code == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"action":"EXECUTE"`)
			}
		})
	}
}
