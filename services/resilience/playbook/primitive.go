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
	"fmt"
	"strings"
)

// ActionPrimitive is the closed set of remediation actions. Adding one
// means adding a case to Engine.dispatch and a method to Actuator.
type ActionPrimitive int

const (
	primitiveInvalid ActionPrimitive = iota
	PrimitiveRestart
	PrimitiveScaleUp
	PrimitiveScaleDown
	PrimitiveRollback
	PrimitivePatch
	PrimitiveShedLoad
	PrimitiveClearCache
	PrimitiveDrain
	PrimitiveRotateSecret
	PrimitiveFailover
	PrimitiveNotify
	PrimitiveVerify
)

var primitiveNames = map[ActionPrimitive]string{
	PrimitiveRestart:      "restart",
	PrimitiveScaleUp:      "scale_up",
	PrimitiveScaleDown:    "scale_down",
	PrimitiveRollback:     "rollback",
	PrimitivePatch:        "patch",
	PrimitiveShedLoad:     "shed_load",
	PrimitiveClearCache:   "clear_cache",
	PrimitiveDrain:        "drain",
	PrimitiveRotateSecret: "rotate_secret",
	PrimitiveFailover:     "failover",
	PrimitiveNotify:       "notify",
	PrimitiveVerify:       "verify",
}

// Primitives returns every valid primitive in declaration order.
func Primitives() []ActionPrimitive {
	out := make([]ActionPrimitive, 0, len(primitiveNames))
	for p := PrimitiveRestart; p <= PrimitiveVerify; p++ {
		out = append(out, p)
	}
	return out
}

func (p ActionPrimitive) String() string {
	if name, ok := primitiveNames[p]; ok {
		return name
	}
	return fmt.Sprintf("primitive(%d)", int(p))
}

// Valid reports whether p is one of the declared primitives.
func (p ActionPrimitive) Valid() bool {
	_, ok := primitiveNames[p]
	return ok
}

// ParsePrimitive parses a primitive name.
func ParsePrimitive(s string) (ActionPrimitive, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range primitiveNames {
		if n == name {
			return p, nil
		}
	}
	return primitiveInvalid, fmt.Errorf("unknown action primitive %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p ActionPrimitive) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid action primitive %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ActionPrimitive) UnmarshalText(text []byte) error {
	v, err := ParsePrimitive(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
