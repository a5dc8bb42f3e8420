// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command launcher starts the launcher HTTP server.
//
// Configuration is read from LAUNCHER_CONFIG (default ~/.aleutian/launcher.yaml,
// written with defaults on first run) and then overridden by the LAUNCHER_*
// environment variables.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianLaunch/pkg/logging"
	"github.com/AleutianAI/AleutianLaunch/services/launcher"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/config"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/observability"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

// run serves until ctx ends and returns the process exit code. The logger is
// closed before run returns on every path.
func run(ctx context.Context, cfg config.LauncherConfig) int {
	level, ok := logging.ParseLevel(cfg.Logging.Level)
	if !ok {
		log.Printf("Unknown log level %q", cfg.Logging.Level)
		return 1
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "launcher",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	logger.Info("Starting launcher",
		"port", cfg.Server.Port,
		"workspace_root", cfg.Workspace.Root,
		"service_port", cfg.Service.Port,
		"otlp_endpoint", cfg.Telemetry.OTLPEndpoint,
	)

	svc, err := launcher.New(cfg, &launcher.Options{Logger: logger})
	if err != nil {
		logger.Error("Failed to create launcher", "error", err)
		return 1
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("Launcher error", "error", err)
		return 1
	}
	return 0
}

func loadConfig() (config.LauncherConfig, error) {
	path := os.Getenv("LAUNCHER_CONFIG")
	if path == "" {
		def, err := config.DefaultPath()
		if err != nil {
			return config.LauncherConfig{}, err
		}
		path = def
		if err := config.WriteDefault(path); err != nil {
			log.Printf("Could not write the default config to %s: %v", path, err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
