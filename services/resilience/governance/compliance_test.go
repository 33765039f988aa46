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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELCompliance(t *testing.T) {
	fn, err := NewCELCompliance(`!(action == "secret.rotate" && !actor.startsWith("ops-"))`)
	require.NoError(t, err)

	assert.True(t, fn("ops-alice", "secret.rotate", "vault", nil))
	assert.False(t, fn("detector", "secret.rotate", "vault", nil))
	assert.True(t, fn("detector", "cpu.saturation", "svc-a", nil))
}

func TestNewCELCompliance_ContextAccess(t *testing.T) {
	fn, err := NewCELCompliance(`!has(context.frozen) || context.frozen == false`)
	require.NoError(t, err)

	assert.True(t, fn("a", "b", "c", map[string]any{}))
	assert.True(t, fn("a", "b", "c", map[string]any{"frozen": false}))
	assert.False(t, fn("a", "b", "c", map[string]any{"frozen": true}))
}

func TestNewCELCompliance_EvalErrorFailsClosed(t *testing.T) {
	fn, err := NewCELCompliance(`context.owner == "platform"`)
	require.NoError(t, err)

	assert.False(t, fn("a", "b", "c", nil), "missing key is an eval error")
	assert.True(t, fn("a", "b", "c", map[string]any{"owner": "platform"}))
}

func TestNewCELCompliance_Errors(t *testing.T) {
	_, err := NewCELCompliance(`actor ==`)
	assert.Error(t, err)

	_, err = NewCELCompliance(`actor + "x"`)
	assert.Error(t, err, "non-bool expression")

	fn, err := NewCELCompliance("  ")
	require.NoError(t, err)
	assert.True(t, fn("", "", "", nil))
}
