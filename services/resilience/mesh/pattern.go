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
	"fmt"
	"strings"
)

// pattern matches event types using NATS-style subject wildcards: "*"
// matches exactly one segment, ">" as the last segment matches one or more.
type pattern struct {
	raw      string
	segments []string
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("empty subscription pattern")
	}
	segs := strings.Split(raw, ".")
	for i, s := range segs {
		if s == "" {
			return pattern{}, fmt.Errorf("pattern %q has an empty segment", raw)
		}
		if s == ">" && i != len(segs)-1 {
			return pattern{}, fmt.Errorf("pattern %q: '>' must be the last segment", raw)
		}
	}
	return pattern{raw: raw, segments: segs}, nil
}

func (p pattern) match(eventType string) bool {
	parts := strings.Split(eventType, ".")
	for i, seg := range p.segments {
		if seg == ">" {
			return len(parts) > i
		}
		if i >= len(parts) {
			return false
		}
		if seg != "*" && seg != parts[i] {
			return false
		}
	}
	return len(parts) == len(p.segments)
}
