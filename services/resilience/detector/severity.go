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
	"encoding/json"
	"time"
)

// Factors are the eight severity inputs, each normalised to [0,1].
type Factors struct {
	Magnitude   float64 `json:"magnitude"`
	Duration    float64 `json:"duration"`
	BlastRadius float64 `json:"blast_radius"`
	Recurrence  float64 `json:"recurrence"`
	Criticality float64 `json:"criticality"`
	Trend       float64 `json:"trend"`
	Correlated  float64 `json:"correlated"`
	Confidence  float64 `json:"confidence"`
}

// Weights scale each factor. DefaultWeights sum to 1.
type Weights Factors

// DefaultWeights favours magnitude, blast radius and criticality. A priority
// 2 signal with no measurement on a resource of default criticality scores
// 0.525, severity 2.
func DefaultWeights() Weights {
	return Weights{
		Magnitude:   0.30,
		Duration:    0.10,
		BlastRadius: 0.15,
		Recurrence:  0.05,
		Criticality: 0.15,
		Trend:       0.10,
		Correlated:  0.05,
		Confidence:  0.10,
	}
}

// Score is the weighted sum of f, clamped to [0,1].
func (w Weights) Score(f Factors) float64 {
	s := w.Magnitude*f.Magnitude +
		w.Duration*f.Duration +
		w.BlastRadius*f.BlastRadius +
		w.Recurrence*f.Recurrence +
		w.Criticality*f.Criticality +
		w.Trend*f.Trend +
		w.Correlated*f.Correlated +
		w.Confidence*f.Confidence
	return clamp01(s)
}

// Severity thresholds on the weighted score.
const (
	severity1Threshold = 0.25
	severity2Threshold = 0.50
	severity3Threshold = 0.75
)

// SeverityForScore maps a score in [0,1] to severity 0..3.
func SeverityForScore(score float64) int {
	switch {
	case score >= severity3Threshold:
		return 3
	case score >= severity2Threshold:
		return 2
	case score >= severity1Threshold:
		return 1
	default:
		return 0
	}
}

// SignalInput is everything the scorer looks at for one signal.
type SignalInput struct {
	Priority int
	// Current and Threshold come from a measured signal. Threshold <= 0
	// means the signal carried no measurement.
	Current   float64
	Threshold float64
	// Age is how long the condition has been observed.
	Age time.Duration
	// Affected is the number of dependent resources; negative if unknown.
	Affected int
	// Prior counts earlier anomalies of the same type on the resource
	// inside the recurrence window.
	Prior int
	// OpenOnResource counts other open anomalies on the resource.
	OpenOnResource int
	Criticality    float64
	// Trend is the recent slope in [-1,1]; nil if unknown.
	Trend *float64
	// Confidence in the measurement; nil means fully confident.
	Confidence *float64
}

const (
	durationSaturation = 5 * time.Minute
	recurrenceCap      = 5
	correlatedCap      = 3
	blastCap           = 10
	maxPriority        = 3
)

// ComputeFactors normalises in. The result depends only on in.
func ComputeFactors(in SignalInput) Factors {
	f := Factors{
		Duration:    clamp01(float64(in.Age) / float64(durationSaturation)),
		Recurrence:  clamp01(float64(in.Prior) / recurrenceCap),
		Criticality: clamp01(in.Criticality),
		Correlated:  clamp01(float64(in.OpenOnResource) / correlatedCap),
		Trend:       0.5,
		Confidence:  1,
	}
	byPriority := clamp01(float64(in.Priority) / maxPriority)

	if in.Threshold > 0 {
		// Reaching the threshold scores 0.5; twice the threshold saturates.
		f.Magnitude = clamp01(in.Current / in.Threshold / 2)
	} else {
		f.Magnitude = byPriority
	}
	if in.Affected >= 0 {
		f.BlastRadius = clamp01(float64(in.Affected) / blastCap)
	} else {
		f.BlastRadius = byPriority
	}
	if in.Trend != nil {
		f.Trend = clamp01((*in.Trend + 1) / 2)
	}
	if in.Confidence != nil {
		f.Confidence = clamp01(*in.Confidence)
	}
	return f
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// payloadFloat reads a numeric payload value whether it arrived as a Go
// number or decoded JSON.
func payloadFloat(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
