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
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultSecretPatterns is baked into the binary so the leak detector
// cannot be weakened by editing files on the host.
//
//go:embed secret_patterns.yaml
var defaultSecretPatterns []byte

// ConfidenceLevel grades how likely a pattern match is a real secret.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns under one data class.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Redact      bool      `yaml:"redact"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one compiled detection rule.
type Pattern struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
	compiled    *regexp.Regexp
}

// Finding is a single match reported by Scan.
type Finding struct {
	LineNumber         int             `json:"line_number"`
	MatchedContent     string          `json:"matched_content"`
	ClassificationName string          `json:"classification_name"`
	PatternID          string          `json:"pattern_id"`
	PatternDescription string          `json:"pattern_description"`
	Confidence         ConfidenceLevel `json:"confidence"`
}

// Scanner classifies text and finds leaked credentials. It satisfies the
// workload's SecretFilter so the same rules drive detection and scrubbing.
type Scanner struct {
	classes []Classification
}

// NewScanner loads the embedded pattern set.
func NewScanner() (*Scanner, error) {
	return ParseScanner(defaultSecretPatterns)
}

// ParseScanner builds a Scanner from YAML.
//
// # Description
//
// Unmarshals the classification file, compiles every regex, and sorts
// classifications from highest to lowest priority so Classify reports the
// most sensitive class first.
func ParseScanner(data []byte) (*Scanner, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret patterns: %w", err)
	}
	for i := range file.Classifications {
		for j := range file.Classifications[i].Patterns {
			p := &file.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}
	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	return &Scanner{classes: file.Classifications}, nil
}

// Classify returns the name of the highest-priority class that matches
// data, or "public".
func (s *Scanner) Classify(data []byte) string {
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			if p.compiled.Match(data) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan reports every match line by line.
func (s *Scanner) Scan(content string) []Finding {
	var findings []Finding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, c := range s.classes {
			for _, p := range c.Patterns {
				for _, match := range p.compiled.FindAllString(line, -1) {
					findings = append(findings, Finding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: c.Name,
						PatternID:          p.ID,
						PatternDescription: p.Description,
						Confidence:         p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Count returns the number of matches in redactable classes.
func (s *Scanner) Count(data []byte) int {
	n := 0
	for _, c := range s.classes {
		if !c.Redact {
			continue
		}
		for _, p := range c.Patterns {
			n += len(p.compiled.FindAllIndex(data, -1))
		}
	}
	return n
}

// Redact replaces every match in redactable classes with a marker naming
// the pattern.
func (s *Scanner) Redact(data []byte) []byte {
	out := data
	for _, c := range s.classes {
		if !c.Redact {
			continue
		}
		for _, p := range c.Patterns {
			out = p.compiled.ReplaceAll(out, []byte("[REDACTED:"+p.ID+"]"))
		}
	}
	return out
}
