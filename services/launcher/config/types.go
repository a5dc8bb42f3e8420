// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the launcher's configuration: the yaml file layout,
// defaults, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultAPIPort is the port the launcher's own HTTP API listens on.
	DefaultAPIPort = 12220

	// DefaultServicePort is the single port every launched project binds.
	DefaultServicePort = 3001

	// DefaultWorkspaceRoot holds one directory per project id.
	DefaultWorkspaceRoot = "/tmp/aleutian-launched"

	// DefaultDatabaseURL is written to the env file and the child environment.
	DefaultDatabaseURL = "file:./dev.db"
)

// LauncherConfig is the root of launcher.yaml.
type LauncherConfig struct {
	// Server: the launcher's own HTTP API
	Server ServerConfig `yaml:"server"`

	// Workspace: where bundles are written
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Service: how the generated service is provisioned and started
	Service ServiceConfig `yaml:"service"`

	// Probe: readiness polling budget
	Probe ProbeConfig `yaml:"probe"`

	// Logging: launcher logs (not the service's app.log)
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: tracing exporter
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"` // debug, release, test

	// LaunchRatePerSec throttles POST /v1/launch. 0 disables throttling.
	LaunchRatePerSec float64 `yaml:"launch_rate_per_sec"`
	LaunchBurst      int     `yaml:"launch_burst"`

	// KeepAliveInterval is the cadence of SSE ": ping" comments.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	EnvFileName string `yaml:"env_file"` // e.g. .env
	LogFileName string `yaml:"log_file"` // e.g. app.log
}

// ServiceConfig describes the provisioning tools and the entry command. Every
// command is an argv list executed inside the workspace directory.
type ServiceConfig struct {
	Port            int           `yaml:"port"`
	DatabaseURL     string        `yaml:"database_url"`
	InstallCommand  []string      `yaml:"install_command"`
	SchemaCommand   []string      `yaml:"schema_command"`
	StorageCommand  []string      `yaml:"storage_command"`
	EntryCommand    []string      `yaml:"entry_command"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
}

type ProbeConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is a gRPC collector address, "stdout", or empty to disable.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() LauncherConfig {
	return LauncherConfig{
		Server: ServerConfig{
			Port:              DefaultAPIPort,
			GinMode:           "release",
			LaunchRatePerSec:  1,
			LaunchBurst:       3,
			KeepAliveInterval: 15 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root:        DefaultWorkspaceRoot,
			EnvFileName: ".env",
			LogFileName: "app.log",
		},
		Service: ServiceConfig{
			Port:            DefaultServicePort,
			DatabaseURL:     DefaultDatabaseURL,
			InstallCommand:  []string{"npm", "install"},
			SchemaCommand:   []string{"npx", "prisma", "generate"},
			StorageCommand:  []string{"npx", "prisma", "db", "push", "--accept-data-loss"},
			EntryCommand:    []string{"./node_modules/.bin/ts-node", "--transpile-only", "src/app.ts"},
			SettleDelay:     400 * time.Millisecond,
			StopGracePeriod: 3 * time.Second,
		},
		Probe: ProbeConfig{
			Attempts: 40,
			Interval: 500 * time.Millisecond,
			Timeout:  300 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ProbeWindow is the total readiness budget (attempts × interval).
func (p ProbeConfig) ProbeWindow() time.Duration {
	return time.Duration(p.Attempts) * p.Interval
}

// Validate reports every invalid field at once.
func (c LauncherConfig) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		errs = append(errs, fmt.Errorf("service.port %d out of range", c.Service.Port))
	}
	if c.Service.Port == c.Server.Port {
		errs = append(errs, errors.New("service.port must differ from server.port"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if c.Workspace.EnvFileName == "" || c.Workspace.LogFileName == "" {
		errs = append(errs, errors.New("workspace.env_file and workspace.log_file are required"))
	}
	for name, argv := range map[string][]string{
		"service.install_command": c.Service.InstallCommand,
		"service.schema_command":  c.Service.SchemaCommand,
		"service.storage_command": c.Service.StorageCommand,
		"service.entry_command":   c.Service.EntryCommand,
	} {
		if len(argv) == 0 || argv[0] == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	if c.Probe.Attempts <= 0 {
		errs = append(errs, errors.New("probe.attempts must be positive"))
	}
	if c.Probe.Interval <= 0 || c.Probe.Timeout <= 0 {
		errs = append(errs, errors.New("probe.interval and probe.timeout must be positive"))
	}
	if c.Server.LaunchRatePerSec < 0 {
		errs = append(errs, errors.New("server.launch_rate_per_sec must not be negative"))
	}
	return errors.Join(errs...)
}
