// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package playbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeActuator records calls as "primitive(arg)" strings.
type fakeActuator struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]int // remaining failures per call name; -1 = always
	blockOn   map[string]bool
	hold      time.Duration
	active    int
	maxActive int
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{failures: map[string]int{}, blockOn: map[string]bool{}}
}

func (f *fakeActuator) failAlways(name string) { f.failures[name] = -1 }

func (f *fakeActuator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeActuator) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeActuator) do(ctx context.Context, name string, simulated bool) (Effect, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	remaining, failing := f.failures[name]
	if failing && remaining > 0 {
		f.failures[name] = remaining - 1
	}
	block := f.blockOn[name]
	hold := f.hold
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return Effect{}, ctx.Err()
	}
	if hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return Effect{}, ctx.Err()
		}
	}
	if failing && remaining != 0 {
		return Effect{}, errors.New(name + " failed")
	}
	return Effect{Simulated: simulated, Detail: name}, nil
}

func (f *fakeActuator) Restart(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "restart", false)
}

func (f *fakeActuator) Scale(ctx context.Context, _ string, delta int) (Effect, error) {
	return f.do(ctx, fmt.Sprintf("scale(%d)", delta), false)
}

func (f *fakeActuator) Rollback(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "rollback", false)
}

func (f *fakeActuator) Patch(ctx context.Context, _ string, params map[string]string) (Effect, error) {
	kv := make([]string, 0, len(params))
	for k, v := range params {
		kv = append(kv, k+"="+v)
	}
	sort.Strings(kv)
	return f.do(ctx, "patch("+strings.Join(kv, ",")+")", false)
}

func (f *fakeActuator) ShedLoad(ctx context.Context, _ string, rate float64) (Effect, error) {
	return f.do(ctx, fmt.Sprintf("shed_load(%g)", rate), false)
}

func (f *fakeActuator) ClearCache(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "clear_cache", false)
}

func (f *fakeActuator) Drain(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "drain", false)
}

func (f *fakeActuator) RotateSecret(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "rotate_secret", false)
}

func (f *fakeActuator) Failover(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "failover", true)
}

func (f *fakeActuator) Notify(ctx context.Context, _, message string) (Effect, error) {
	return f.do(ctx, "notify("+message+")", true)
}

func (f *fakeActuator) Verify(ctx context.Context, _ string) (Effect, error) {
	return f.do(ctx, "verify", false)
}

var _ Actuator = (*fakeActuator)(nil)

// patchStep builds a step whose forward and rollback calls are
// distinguishable: "patch(step=name)" and "patch(undo=name)".
func patchStep(name string) Step {
	return Step{
		Name:      name,
		Primitive: PrimitivePatch,
		Params:    map[string]string{"step": name},
		Rollback: &RollbackAction{
			Primitive: PrimitivePatch,
			Params:    map[string]string{"undo": name},
		},
	}
}
