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
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// RollbackAction undoes a step.
type RollbackAction struct {
	Primitive ActionPrimitive   `yaml:"primitive"`
	Params    map[string]string `yaml:"params"`
}

// Step is one remediation step.
type Step struct {
	Name      string            `yaml:"name"`
	Primitive ActionPrimitive   `yaml:"primitive"`
	Params    map[string]string `yaml:"params"`
	// Timeout overrides the engine default. Zero uses the default.
	Timeout  time.Duration   `yaml:"timeout"`
	Rollback *RollbackAction `yaml:"rollback"`
}

// Playbook is a triggered, severity-branching list of steps. Playbooks are
// read-only once loaded.
type Playbook struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	// Trigger is a CEL expression over `anomaly` (type, resource, severity,
	// score).
	Trigger string `yaml:"trigger"`
	Steps   []Step `yaml:"steps"`
	// SeverityBranches replaces Steps at and above a severity. The branch
	// with the highest key not above the anomaly severity wins.
	SeverityBranches map[int][]Step `yaml:"severity_branches"`
	// OpensTask asks the healer to open a remediation task after a
	// successful run.
	OpensTask bool `yaml:"opens_task"`

	program cel.Program
}

// StepsFor returns the step list for severity.
func (p *Playbook) StepsFor(severity int) []Step {
	best := -1
	for sev := range p.SeverityBranches {
		if sev <= severity && sev > best {
			best = sev
		}
	}
	if best >= 0 {
		return p.SeverityBranches[best]
	}
	return p.Steps
}

// Matches evaluates the trigger against t. Evaluation errors do not match.
func (p *Playbook) Matches(t Target) bool {
	if p.program == nil {
		return false
	}
	out, _, err := p.program.Eval(map[string]any{
		"anomaly": map[string]any{
			"id":       t.AnomalyID,
			"type":     t.Type,
			"resource": t.Resource,
			"severity": t.Severity,
			"score":    t.Score,
		},
	})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// Catalog is the ordered, immutable set of playbooks.
type Catalog struct {
	playbooks []*Playbook
	byID      map[string]*Playbook
}

type catalogFile struct {
	Playbooks []*Playbook `yaml:"playbooks"`
}

// DefaultCatalog loads the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog file. An empty path loads the embedded
// default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes, validates and compiles a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse playbook catalog: %w", err)
	}
	return NewCatalog(f.Playbooks...)
}

// NewCatalog validates and compiles playbooks. Selection order is the
// order given.
func NewCatalog(playbooks ...*Playbook) (*Catalog, error) {
	env, err := cel.NewEnv(cel.Variable("anomaly", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &Catalog{byID: make(map[string]*Playbook, len(playbooks))}
	for _, p := range playbooks {
		if p == nil || p.ID == "" {
			return nil, fmt.Errorf("playbook without id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate playbook id %q", p.ID)
		}
		if err := validatePlaybook(p); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", p.ID, err)
		}
		ast, issues := env.Compile(p.Trigger)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("playbook %s trigger: %w", p.ID, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("playbook %s trigger program: %w", p.ID, err)
		}
		p.program = prg
		c.playbooks = append(c.playbooks, p)
		c.byID[p.ID] = p
	}
	return c, nil
}

func validatePlaybook(p *Playbook) error {
	if p.Trigger == "" {
		return fmt.Errorf("missing trigger")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("no default steps")
	}
	lists := map[int][]Step{-1: p.Steps}
	for sev, steps := range p.SeverityBranches {
		if sev < 0 || sev > 3 {
			return fmt.Errorf("severity branch %d out of range 0-3", sev)
		}
		if len(steps) == 0 {
			return fmt.Errorf("severity branch %d is empty", sev)
		}
		lists[sev] = steps
	}
	for _, steps := range lists {
		for i, s := range steps {
			if s.Name == "" {
				return fmt.Errorf("step %d has no name", i)
			}
			if !s.Primitive.Valid() {
				return fmt.Errorf("step %s: invalid primitive", s.Name)
			}
			if err := validateParams(s.Primitive, s.Params); err != nil {
				return fmt.Errorf("step %s: %w", s.Name, err)
			}
			if s.Rollback != nil {
				if !s.Rollback.Primitive.Valid() {
					return fmt.Errorf("step %s: invalid rollback primitive", s.Name)
				}
				if err := validateParams(s.Rollback.Primitive, s.Rollback.Params); err != nil {
					return fmt.Errorf("step %s rollback: %w", s.Name, err)
				}
			}
		}
	}
	return nil
}

func validateParams(p ActionPrimitive, params map[string]string) error {
	switch p {
	case PrimitiveScaleUp, PrimitiveScaleDown:
		if v, ok := params["delta"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("delta must be a positive integer, got %q", v)
			}
		}
	case PrimitiveShedLoad:
		if v, ok := params["rate"]; ok {
			r, err := strconv.ParseFloat(v, 64)
			if err != nil || r < 0 {
				return fmt.Errorf("rate must be a non-negative number, got %q", v)
			}
		}
	case PrimitivePatch:
		if len(params) == 0 {
			return fmt.Errorf("patch needs at least one param")
		}
	}
	return nil
}

// Select returns the first playbook whose trigger matches t.
func (c *Catalog) Select(t Target) (*Playbook, error) {
	for _, p := range c.playbooks {
		if p.Matches(t) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: type=%s resource=%s severity=%d", ErrNoPlaybook, t.Type, t.Resource, t.Severity)
}

// Get returns a playbook by ID.
func (c *Catalog) Get(id string) (*Playbook, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// IDs returns playbook IDs sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of playbooks.
func (c *Catalog) Len() int { return len(c.playbooks) }
