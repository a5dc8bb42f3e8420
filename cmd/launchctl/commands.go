// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/AleutianAI/AleutianLaunch/pkg/launchclient"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	jsonOutput bool
	bundlePath string
	bundleDir  string
	followLogs   bool

	rootCmd = &cobra.Command{
		Use:   "launchctl",
		Short: "Launch generated projects on a local launcher and manage them",
		Long: `launchctl sends a bundle of generated source files to a launcher, which
installs dependencies, prepares the database and starts the service on its
shared port. Progress is streamed back as it happens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Launch ---
	launchCmd = &cobra.Command{
		Use:   "launch <projectId>",
		Short: "Write a bundle, provision it and start the service",
		Args:  cobra.ExactArgs(1),
		RunE:  runLaunch,
	}

	// --- Lifecycle ---
	statusCmd = &cobra.Command{
		Use:   "status <projectId>",
		Short: "Show whether a project's service is running",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	stopCmd = &cobra.Command{
		Use:   "stop <projectId>",
		Short: "Stop a project's service (the workspace is kept)",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	deleteCmd = &cobra.Command{
		Use:     "delete <projectId>",
		Aliases: []string{"rm"},
		Short:   "Stop a project's service and delete its workspace",
		Args:    cobra.ExactArgs(1),
		RunE:    runDelete,
	}
	listCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List project workspaces with their state and size",
		Args:    cobra.NoArgs,
		RunE:    runList,
	}
	logsCmd = &cobra.Command{
		Use:   "logs <projectId>",
		Short: "Follow a project's service log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
)

func defaultServerURL() string {
	if v := os.Getenv("LAUNCHER_URL"); v != "" {
		return v
	}
	return launchclient.DefaultBaseURL
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(),
		"Launcher address (env LAUNCHER_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print one JSON document per line instead of human output")

	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().StringVar(&bundlePath, "bundle", "",
		"JSON bundle: {\"files\":[{\"path\",\"content\"}]} or a bare files array")
	launchCmd.Flags().StringVar(&bundleDir, "dir", "",
		"Build the bundle from a directory instead of a JSON file")
	launchCmd.MarkFlagsMutuallyExclusive("bundle", "dir")
	launchCmd.MarkFlagsOneRequired("bundle", "dir")
	launchCmd.Flags().BoolVar(&followLogs, "follow", false,
		"Follow the service log after the launch is ready")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
}
