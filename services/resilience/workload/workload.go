// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workload runs the services the engine protects and remediates.
//
// Each service is made of real parts: a YAML config file on disk, a
// heartbeat goroutine, a pool of queue consumers behind an admission rate
// limiter, an LRU response cache, busy-loop CPU load and an append-only
// log file. Chaos cards inject faults into those parts and playbook steps
// repair them through the Actuator methods on Workload.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AleutianAI/resilience-engine/services/resilience/playbook"
	"github.com/fsnotify/fsnotify"
)

// Metric names reported by Sample.
const (
	MetricCPULoad       = "cpu_load"
	MetricQueueDepth    = "queue_depth"
	MetricLatencyMs     = "latency_ms"
	MetricHeartbeatAge  = "heartbeat_age_ms"
	MetricConfigInvalid = "config_invalid"
	MetricLogSecrets    = "log_secrets"
	MetricWorkers       = "workers"
)

// ErrUnknownService is returned for a resource the workload does not run.
var ErrUnknownService = errors.New("unknown service")

// Workload owns a fixed set of services rooted in one directory.
type Workload struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*Service
	order    []string
	started  bool
}

var _ playbook.Actuator = (*Workload)(nil)

// New creates one service per name under dir. Services do not run until
// Start.
func New(dir string, names []string, opts Options) (*Workload, error) {
	if len(names) == 0 {
		return nil, errors.New("workload needs at least one service")
	}
	opts.applyDefaults()
	w := &Workload{
		dir:      dir,
		logger:   opts.Logger.With("component", "workload"),
		services: make(map[string]*Service, len(names)),
	}
	for _, name := range names {
		if _, dup := w.services[name]; dup {
			return nil, fmt.Errorf("duplicate service %q", name)
		}
		svc, err := newService(name, filepath.Join(dir, name), opts)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		w.services[name] = svc
		w.order = append(w.order, name)
	}
	sort.Strings(w.order)
	return w, nil
}

// Start launches every service. Services stop when ctx ends or on Stop.
func (w *Workload) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range w.order {
		w.services[name].start(ctx)
	}
	w.started = true
	w.logger.Info("workload started", "services", len(w.order), "dir", w.dir)
}

// Stop halts every service.
func (w *Workload) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range w.order {
		w.services[name].shutdown()
	}
	w.started = false
}

// Service returns the named service.
func (w *Workload) Service(name string) (*Service, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	svc, ok := w.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return svc, nil
}

// Resources lists service names in sorted order.
func (w *Workload) Resources() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// Sample returns the current metrics of one service.
func (w *Workload) Sample(resource string) (map[string]float64, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return nil, err
	}
	return svc.Metrics(), nil
}

// Watch calls onChange with the resource name whenever a service's config
// or log file changes on disk. It runs until ctx ends.
func (w *Workload) Watch(ctx context.Context, onChange func(resource string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	byPath := make(map[string]string)
	for _, name := range w.Resources() {
		svc, _ := w.Service(name)
		dir := filepath.Dir(svc.ConfigPath())
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		byPath[filepath.Clean(svc.ConfigPath())] = name
		byPath[filepath.Clean(svc.LogPath())] = name
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if name, ok := byPath[filepath.Clean(ev.Name)]; ok {
					onChange(name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("file watch error", "error", err)
			}
		}
	}()
	return nil
}

// Reset restores a service to its healthy starting state. Chaos drills
// call it once an incident closes so the next drill starts clean.
func (w *Workload) Reset(resource string) error {
	svc, err := w.Service(resource)
	if err != nil {
		return err
	}
	return svc.reset()
}

// =============================================================================
// playbook.Actuator
// =============================================================================

// Restart restarts the service's consumers and heartbeat and empties its
// cache.
func (w *Workload) Restart(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	if err := svc.restart(); err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: fmt.Sprintf("restart #%d", svc.Restarts())}, nil
}

// Scale adds or removes consumers.
func (w *Workload) Scale(_ context.Context, resource string, delta int) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	from, to, err := svc.scale(delta)
	if err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: fmt.Sprintf("workers %d -> %d", from, to)}, nil
}

// Rollback restores the last known good config file.
func (w *Workload) Rollback(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	if err := svc.rollbackConfig(); err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: "config restored"}, nil
}

// Patch applies key/value changes to the config and records the result as
// the new known good config.
func (w *Workload) Patch(_ context.Context, resource string, params map[string]string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	if err := svc.patchConfig(params); err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: fmt.Sprintf("patched %d keys", len(params))}, nil
}

// ShedLoad caps admission to ratePerSec and stops busy loops. A rate of 0
// removes the cap.
func (w *Workload) ShedLoad(_ context.Context, resource string, ratePerSec float64) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	stopped := svc.shedLoad(ratePerSec)
	return playbook.Effect{Detail: fmt.Sprintf("admission %.0f/s, stopped %d busy loops", ratePerSec, stopped)}, nil
}

// ClearCache purges the response cache.
func (w *Workload) ClearCache(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	n := svc.cache.Len()
	svc.cache.Purge()
	return playbook.Effect{Detail: fmt.Sprintf("purged %d entries", n)}, nil
}

// Drain discards queued jobs.
func (w *Workload) Drain(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: fmt.Sprintf("drained %d jobs", svc.drain())}, nil
}

// RotateSecret issues a new credential and scrubs leaked ones from the log.
func (w *Workload) RotateSecret(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	n, err := svc.rotateSecret()
	if err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: fmt.Sprintf("credential rotated, %d leaks redacted", n)}, nil
}

// Failover has no standby to switch to and is simulated.
func (w *Workload) Failover(_ context.Context, resource string) (playbook.Effect, error) {
	if _, err := w.Service(resource); err != nil {
		return playbook.Effect{}, err
	}
	w.logger.Info("failover simulated", "resource", resource)
	return playbook.Effect{Simulated: true, Detail: "no standby configured"}, nil
}

// Notify logs the message; no paging integration exists.
func (w *Workload) Notify(_ context.Context, resource, message string) (playbook.Effect, error) {
	w.logger.Warn("operator notification", "resource", resource, "message", message)
	return playbook.Effect{Simulated: true, Detail: message}, nil
}

// Verify fails unless the service is running with a valid config and a
// fresh heartbeat.
func (w *Workload) Verify(_ context.Context, resource string) (playbook.Effect, error) {
	svc, err := w.Service(resource)
	if err != nil {
		return playbook.Effect{}, err
	}
	if err := svc.verify(); err != nil {
		return playbook.Effect{}, err
	}
	return playbook.Effect{Detail: "healthy"}, nil
}
