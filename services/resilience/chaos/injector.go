// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaos

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/resilience-engine/services/resilience/workload"
)

// -----------------------------------------------------------------------------
// Injector Interface
// -----------------------------------------------------------------------------

// Injection describes what an injector actually changed.
type Injection struct {
	// Diff is a unified diff of any file the injection rewrote.
	Diff string

	// Detail is a one-line human description.
	Detail string
}

// Injector applies a card's fault to a resource and can undo it.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Injector interface {
	Inject(ctx context.Context, card FailureCard, resource string) (Injection, error)
	Revert(ctx context.Context, resource string) error
}

// -----------------------------------------------------------------------------
// Workload Injector
// -----------------------------------------------------------------------------

// WorkloadInjector injects faults into a live workload.
//
// Description:
//
//	Every method has a real effect: configs are rewritten on disk, the
//	heartbeat goroutine is stopped, busy loops burn CPU, jobs are queued
//	and credentials are appended to the service log. Injections are rate
//	limited so stress cycles cannot pile faults onto the system faster
//	than the limiter allows.
//
// Thread Safety: Safe for concurrent use.
type WorkloadInjector struct {
	w       *workload.Workload
	limiter *rate.Limiter
}

// NewWorkloadInjector creates an injector. perSecond bounds injections; zero
// disables the limit.
func NewWorkloadInjector(w *workload.Workload, perSecond float64) *WorkloadInjector {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &WorkloadInjector{w: w, limiter: rate.NewLimiter(limit, 3)}
}

// Inject implements Injector.
func (i *WorkloadInjector) Inject(ctx context.Context, card FailureCard, resource string) (Injection, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return Injection{}, fmt.Errorf("injection limiter: %w", err)
	}
	svc, err := i.w.Service(resource)
	if err != nil {
		return Injection{}, err
	}

	switch card.InjectionMethod {
	case InjectCorruptConfig:
		before, after, err := svc.CorruptConfig()
		if err != nil {
			return Injection{}, err
		}
		d, err := unifiedDiff(path.Join(resource, filepath.Base(svc.ConfigPath())), before, after)
		if err != nil {
			return Injection{}, err
		}
		return Injection{Diff: d, Detail: "config max_connections set to an invalid value"}, nil

	case InjectStopHeartbeat:
		svc.StopHeartbeat()
		return Injection{Detail: "heartbeat stopped"}, nil

	case InjectSaturateCPU:
		n := intParam(card.Params, "loops", 4)
		svc.SaturateCPU(n)
		return Injection{Detail: fmt.Sprintf("%d busy loops started", n)}, nil

	case InjectFloodQueue:
		n := intParam(card.Params, "jobs", 5000)
		queued := svc.Enqueue(n)
		return Injection{Detail: fmt.Sprintf("%d of %d jobs queued", queued, n)}, nil

	case InjectPoisonCache:
		svc.PoisonCache()
		n := intParam(card.Params, "jobs", 100)
		queued := svc.Enqueue(n)
		return Injection{Detail: fmt.Sprintf("hot key poisoned, %d jobs queued", queued)}, nil

	case InjectLeakSecret:
		line, err := svc.LeakSecret()
		if err != nil {
			return Injection{}, err
		}
		return Injection{Detail: "credential written to " + svc.LogPath(), Diff: "+" + line + "\n"}, nil
	}
	return Injection{}, fmt.Errorf("unsupported injection method %q", card.InjectionMethod)
}

// Revert implements Injector by restoring the resource's baseline.
func (i *WorkloadInjector) Revert(_ context.Context, resource string) error {
	return i.w.Reset(resource)
}

func intParam(params map[string]string, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// unifiedDiff renders a single-hunk diff of two small text files.
func unifiedDiff(name string, before, after []byte) (string, error) {
	orig := splitLines(before)
	next := splitLines(after)

	var body bytes.Buffer
	for n := 0; n < max(len(orig), len(next)); n++ {
		switch {
		case n < len(orig) && n < len(next) && orig[n] == next[n]:
			body.WriteString(" " + orig[n] + "\n")
		default:
			if n < len(orig) {
				body.WriteString("-" + orig[n] + "\n")
			}
			if n < len(next) {
				body.WriteString("+" + next[n] + "\n")
			}
		}
	}

	now := time.Now().UTC()
	fd := &diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		NewTime:  &now,
		Hunks: []*diff.Hunk{{
			OrigStartLine: 1,
			OrigLines:     int32(len(orig)),
			NewStartLine:  1,
			NewLines:      int32(len(next)),
			Body:          body.Bytes(),
		}},
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return string(out), nil
}

func splitLines(b []byte) []string {
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var _ Injector = (*WorkloadInjector)(nil)
