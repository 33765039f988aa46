// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chaos drills catalogued failure cards against the live workload
// and scores the healing loop's response through four gates.
//
// Cards are drawn by risk weight, boosted for staleness against their
// category's drill interval and for recent failures. Every failed drill
// files a backlog item carrying logs, the injected diff and gate timing.
package chaos

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed cards.yaml
var defaultCardsYAML []byte

// ErrUnknownCard is returned for a card id not in the catalog.
var ErrUnknownCard = errors.New("unknown failure card")

// RiskCategory sets how often a card must be drilled.
type RiskCategory string

const (
	CategoryHigh   RiskCategory = "high"
	CategoryMedium RiskCategory = "medium"
	CategoryLow    RiskCategory = "low"
)

// DrillInterval is the maximum time between drills before a card of this
// category counts as overdue.
func (c RiskCategory) DrillInterval() time.Duration {
	switch c {
	case CategoryHigh:
		return 3 * 24 * time.Hour
	case CategoryMedium:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

// InjectionMethod names a real fault the injector can apply.
type InjectionMethod string

const (
	InjectCorruptConfig InjectionMethod = "corrupt_config"
	InjectStopHeartbeat InjectionMethod = "stop_heartbeat"
	InjectSaturateCPU   InjectionMethod = "saturate_cpu"
	InjectFloodQueue    InjectionMethod = "flood_queue"
	InjectPoisonCache   InjectionMethod = "poison_cache"
	InjectLeakSecret    InjectionMethod = "leak_secret"
)

// Verification is one metric condition that must hold for the system to
// count as recovered.
type Verification struct {
	Metric string  `yaml:"metric" json:"metric" validate:"required"`
	Op     string  `yaml:"op" json:"op" validate:"oneof=< <= == >= >"`
	Value  float64 `yaml:"value" json:"value"`
}

// Holds evaluates the condition against v.
func (v Verification) Holds(actual float64) bool {
	switch v.Op {
	case "<":
		return actual < v.Value
	case "<=":
		return actual <= v.Value
	case "==":
		return actual == v.Value
	case ">=":
		return actual >= v.Value
	case ">":
		return actual > v.Value
	}
	return false
}

func (v Verification) String() string {
	return fmt.Sprintf("%s %s %g", v.Metric, v.Op, v.Value)
}

// FailureCard is a catalogued, reproducible fault scenario.
type FailureCard struct {
	CardID                  string            `yaml:"card_id" json:"card_id" validate:"required"`
	Category                RiskCategory      `yaml:"category" json:"category" validate:"oneof=high medium low"`
	RiskWeight              float64           `yaml:"risk_weight" json:"risk_weight" validate:"gt=0"`
	InjectionMethod         InjectionMethod   `yaml:"injection_method" json:"injection_method" validate:"oneof=corrupt_config stop_heartbeat saturate_cpu flood_queue poison_cache leak_secret"`
	Params                  map[string]string `yaml:"params" json:"params,omitempty"`
	Target                  string            `yaml:"target" json:"target,omitempty"`
	ExpectedTrigger         string            `yaml:"expected_trigger" json:"expected_trigger" validate:"required"`
	ExpectedPlaybooks       []string          `yaml:"expected_playbooks" json:"expected_playbooks" validate:"min=1"`
	VerificationSteps       []Verification    `yaml:"verification_steps" json:"verification_steps" validate:"min=1,dive"`
	RollbackCriteria        string            `yaml:"rollback_criteria" json:"rollback_criteria"`
	SLOTargetMs             int               `yaml:"slo_target_ms" json:"slo_target_ms" validate:"gt=0"`
	RequiresRemediationTask bool              `yaml:"requires_remediation_task" json:"requires_remediation_task"`
}

// SLOTarget is SLOTargetMs as a duration.
func (c FailureCard) SLOTarget() time.Duration {
	return time.Duration(c.SLOTargetMs) * time.Millisecond
}

// ExpectsPlaybook reports whether id is one of the expected playbooks.
func (c FailureCard) ExpectsPlaybook(id string) bool {
	return slices.Contains(c.ExpectedPlaybooks, id)
}

// Catalog is the read-only set of failure cards in file order.
type Catalog struct {
	cards []FailureCard
	byID  map[string]int
}

type cardFile struct {
	Cards []FailureCard `yaml:"cards"`
}

var (
	cardValidate     *validator.Validate
	cardValidateOnce sync.Once
)

// DefaultCatalog parses the embedded card set.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCardsYAML)
}

// LoadCatalog reads a card file from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates YAML cards.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f cardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse card catalog: %w", err)
	}
	return NewCatalog(f.Cards...)
}

// NewCatalog validates cards and rejects duplicate ids.
func NewCatalog(cards ...FailureCard) (*Catalog, error) {
	if len(cards) == 0 {
		return nil, errors.New("card catalog is empty")
	}
	cardValidateOnce.Do(func() { cardValidate = validator.New() })
	c := &Catalog{byID: make(map[string]int, len(cards))}
	for _, card := range cards {
		if err := cardValidate.Struct(card); err != nil {
			return nil, fmt.Errorf("card %q: %w", card.CardID, err)
		}
		if _, dup := c.byID[card.CardID]; dup {
			return nil, fmt.Errorf("duplicate card %q", card.CardID)
		}
		c.byID[card.CardID] = len(c.cards)
		c.cards = append(c.cards, card)
	}
	return c, nil
}

// Cards returns every card in file order.
func (c *Catalog) Cards() []FailureCard {
	return append([]FailureCard(nil), c.cards...)
}

// Get looks a card up by id.
func (c *Catalog) Get(id string) (FailureCard, error) {
	i, ok := c.byID[id]
	if !ok {
		return FailureCard{}, fmt.Errorf("%w: %s", ErrUnknownCard, id)
	}
	return c.cards[i], nil
}

// Len is the number of cards.
func (c *Catalog) Len() int { return len(c.cards) }
