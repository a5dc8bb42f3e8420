// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.aleutian/launcher.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "launcher.yaml"), nil
}

// Load reads the yaml file at path on top of DefaultConfig.
//
// # Description
//
// Fields absent from the file keep their defaults. A missing file is not an
// error: the defaults are returned as-is. The result is not validated; call
// ApplyEnv and then Validate.
//
// # Inputs
//
//   - path: yaml file location. Empty means "defaults only".
//
// # Outputs
//
//   - LauncherConfig: merged configuration.
//   - error: Non-nil if the file exists but cannot be read or parsed.
func Load(path string) (LauncherConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal the default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides fields from environment variables.
//
// # Description
//
// Recognised variables:
//
//   - LAUNCHER_PORT: server.port
//   - LAUNCHER_WORKSPACE_ROOT: workspace.root
//   - LAUNCHER_SERVICE_PORT: service.port
//   - LAUNCHER_LOG_LEVEL: logging.level
//   - LAUNCHER_LOG_DIR: logging.dir
//   - OTEL_EXPORTER_OTLP_ENDPOINT: telemetry.otlp_endpoint
//   - GIN_MODE: server.gin_mode
//
// The service's own PORT variable is deliberately not read here: the launcher
// may itself be hosted somewhere that sets PORT for a different purpose.
//
// # Inputs
//
//   - lookup: usually os.LookupEnv; injected for tests.
//
// # Outputs
//
//   - error: Non-nil if a numeric variable cannot be parsed.
func (c *LauncherConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	intVar := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	strVar := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	intVar("LAUNCHER_PORT", &c.Server.Port)
	intVar("LAUNCHER_SERVICE_PORT", &c.Service.Port)
	strVar("LAUNCHER_WORKSPACE_ROOT", &c.Workspace.Root)
	strVar("LAUNCHER_LOG_LEVEL", &c.Logging.Level)
	strVar("LAUNCHER_LOG_DIR", &c.Logging.Dir)
	strVar("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	strVar("GIN_MODE", &c.Server.GinMode)

	return errors.Join(errs...)
}
