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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	e := NewEvent("anomaly.resolved", "healer", "detector", "svc-a", 2, map[string]any{
		"anomaly_id": "a-1",
		"note":       "<ok>",
	})
	e.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	data, err := EncodeEvent(e)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
	assert.Equal(t, "a-1", got.Payload["anomaly_id"])
	assert.Equal(t, 2, got.Priority)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte("{not json"))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"event_id":"x","type":"a"}`))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubjects(t *testing.T) {
	e := NewEvent("anomaly.resolved", "healer", "detector", "svc-a", 1, nil)
	subject := OutboundSubject("resilience", e)
	assert.Equal(t, "resilience.out.anomaly.resolved", subject)

	typ, ok := EventTypeFromSubject("resilience", subject)
	require.True(t, ok)
	assert.Equal(t, "anomaly.resolved", typ)

	typ, ok = EventTypeFromSubject("resilience", "resilience.in.cpu.saturation")
	require.True(t, ok)
	assert.Equal(t, "cpu.saturation", typ)

	_, ok = EventTypeFromSubject("resilience", "other.in.x")
	assert.False(t, ok)

	b := NewNATSBridge(nil, nil, "", "", nil)
	assert.Equal(t, "resilience.in.>", b.InboundSubject())
}
