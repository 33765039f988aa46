// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workload

import "regexp"

// SecretFilter finds and scrubs credentials in service log output.
type SecretFilter interface {
	Count(data []byte) int
	Redact(data []byte) []byte
}

var awsKeyPattern = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)

// accessKeyFilter only knows AWS access key IDs. The engine replaces it
// with the detector's pattern scanner.
type accessKeyFilter struct{}

func (accessKeyFilter) Count(data []byte) int {
	return len(awsKeyPattern.FindAllIndex(data, -1))
}

func (accessKeyFilter) Redact(data []byte) []byte {
	return awsKeyPattern.ReplaceAll(data, []byte("[REDACTED]"))
}
