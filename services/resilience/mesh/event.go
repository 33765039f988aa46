// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mesh

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/resilience-engine/services/resilience/governance"
)

// Event is the stable ingestion schema. Events are immutable once
// published; handlers receive copies and must not modify Payload.
type Event struct {
	EventID   string         `json:"event_id" validate:"required,uuid"`
	Type      string         `json:"type" validate:"required,max=128,eventtype"`
	Source    string         `json:"source" validate:"required,max=128"`
	Actor     string         `json:"actor" validate:"required,max=128"`
	Resource  string         `json:"resource" validate:"required,max=256"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority" validate:"gte=0,lte=5"`
	CreatedAt time.Time      `json:"created_at" validate:"required"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(eventType, source, actor, resource string, priority int, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Actor:     actor,
		Resource:  resource,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// RiskTier returns the declared tier from payload["risk_tier"], falling
// back to the tier implied by Priority.
func (e Event) RiskTier() governance.RiskTier {
	if raw, ok := e.Payload["risk_tier"].(string); ok {
		if tier, err := governance.ParseRiskTier(raw); err == nil {
			return tier
		}
	}
	return governance.TierForPriority(e.Priority)
}

// Request converts the event into a governance request. The event type is
// the action.
func (e Event) Request() governance.Request {
	return governance.Request{
		EventID:  e.EventID,
		Actor:    e.Actor,
		Action:   e.Type,
		Resource: e.Resource,
		RiskTier: e.RiskTier(),
		Context:  e.Payload,
	}
}

// String returns a compact description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s/%s", e.Type, e.EventID, e.Source, e.Resource)
}

// ValidationError reports a malformed event rejected before the gate.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
			return validEventType(fl.Field().String())
		})
	})
	return validate
}

// validEventType accepts dot-separated segments of [a-z0-9_-].
func validEventType(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return false
			}
		}
	}
	return true
}

// Validate checks e against the schema.
func Validate(e Event) error {
	err := eventValidator().Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "event", Reason: err.Error()}
}
