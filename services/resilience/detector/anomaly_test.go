// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyType_SignalRoundTrip(t *testing.T) {
	types := AnomalyTypes()
	require.Len(t, types, 6)
	for _, at := range types {
		got, ok := TypeForEvent(at.SignalEvent())
		assert.True(t, ok)
		assert.Equal(t, at, got)

		parsed, err := ParseAnomalyType(string(at))
		require.NoError(t, err)
		assert.Equal(t, at, parsed)
	}

	_, ok := TypeForEvent("anomaly.resolved")
	assert.False(t, ok)
	_, err := ParseAnomalyType("disk_full")
	assert.Error(t, err)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateDetected.CanTransition(StateTriaged))
	assert.True(t, StateActionPlanned.CanTransition(StateEscalated))
	assert.True(t, StateActionExecuting.CanTransition(StateResolved))
	assert.False(t, StateDetected.CanTransition(StateResolved))
	assert.False(t, StateResolved.CanTransition(StateFailed))

	for _, s := range []State{StateResolved, StateEscalated, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StateActionExecuting.Terminal())
}
