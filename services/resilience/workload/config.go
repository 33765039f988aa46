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

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServiceConfig is the on-disk configuration of a service.
type ServiceConfig struct {
	Version        int    `yaml:"version" validate:"gte=1"`
	MaxConnections int    `yaml:"max_connections" validate:"gte=1,lte=10000"`
	TimeoutMs      int    `yaml:"timeout_ms" validate:"gte=1,lte=60000"`
	Mode           string `yaml:"mode" validate:"oneof=normal degraded"`
}

// DefaultServiceConfig is written when a service is created.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{Version: 1, MaxConnections: 100, TimeoutMs: 500, Mode: "normal"}
}

var (
	configValidate     *validator.Validate
	configValidateOnce sync.Once
)

// ParseServiceConfig decodes and validates config bytes.
func ParseServiceConfig(data []byte) (ServiceConfig, error) {
	var c ServiceConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return ServiceConfig{}, fmt.Errorf("parse service config: %w", err)
	}
	configValidateOnce.Do(func() { configValidate = validator.New() })
	if err := configValidate.Struct(c); err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid service config: %w", err)
	}
	return c, nil
}

// Marshal encodes c as YAML.
func (c ServiceConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// apply sets one field from a string value.
func (c *ServiceConfig) apply(key, value string) error {
	switch key {
	case "mode":
		c.Mode = value
		return nil
	case "version", "max_connections", "timeout_ms":
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	switch key {
	case "version":
		c.Version = n
	case "max_connections":
		c.MaxConnections = n
	case "timeout_ms":
		c.TimeoutMs = n
	}
	return nil
}
