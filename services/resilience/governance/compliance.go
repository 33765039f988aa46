// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// ComplianceFunc is the externally supplied policy predicate. It must be
// pure and fast; it runs synchronously on every publish.
type ComplianceFunc func(actor, action, resource string, attrs map[string]any) bool

// AlwaysCompliant is the predicate used when no policy is configured.
func AlwaysCompliant(string, string, string, map[string]any) bool { return true }

// NewCELCompliance compiles a CEL expression into a ComplianceFunc.
//
// # Description
//
// The expression sees four variables: actor, action and resource (strings)
// and context (map of string to dyn). It must evaluate to a bool. The
// program is compiled once; evaluation errors are treated as non-compliant.
//
// # Inputs
//   - expr: e.g. `!(action == "secret.rotate" && !actor.startsWith("ops-"))`.
//     An empty expression returns AlwaysCompliant.
//
// # Outputs
//   - ComplianceFunc: Ready to plug into the gate.
//   - error: Non-nil if the expression does not compile or is not boolean.
func NewCELCompliance(expr string) (ComplianceFunc, error) {
	if strings.TrimSpace(expr) == "" {
		return AlwaysCompliant, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile compliance expression: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compliance expression must be bool, got %s", out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	return func(actor, action, resource string, attrs map[string]any) bool {
		if attrs == nil {
			attrs = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"actor":    actor,
			"action":   action,
			"resource": resource,
			"context":  attrs,
		})
		if err != nil {
			return false
		}
		ok, isBool := out.Value().(bool)
		return isBool && ok
	}, nil
}
