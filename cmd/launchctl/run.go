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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianLaunch/pkg/launchclient"
	"github.com/AleutianAI/AleutianLaunch/pkg/ux"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/spf13/cobra"
)

// errReported marks a failure that has already been printed.
var errReported = errors.New("reported")

func newClient() *launchclient.Client {
	return launchclient.New(serverURL)
}

func newPrinter(cmd *cobra.Command) *ux.Printer {
	mode := ux.DetectMode(os.Stdout, jsonOutput)
	if cmd.OutOrStdout() != os.Stdout && mode == ux.ModeStyled {
		mode = ux.ModePlain
	}
	return ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
}

// signalContext ends on Ctrl-C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// fail prints err through the printer and returns errReported.
func fail(p *ux.Printer, err error) error {
	p.Error(err.Error())
	return errReported
}

// --- Launch ---

func runLaunch(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	projectID := args[0]
	if !datatypes.IsValidProjectID(projectID) {
		return fail(p, fmt.Errorf("invalid project id %q", projectID))
	}

	var files []datatypes.GeneratedFile
	var err error
	if bundleDir != "" {
		files, err = loadBundleDir(bundleDir)
	} else {
		files, err = loadBundleFile(bundlePath)
	}
	if err != nil {
		return fail(p, err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	client := newClient()
	port, err := client.Launch(ctx, datatypes.LaunchRequest{ProjectID: projectID, Files: files},
		func(ev datatypes.LaunchEvent) error {
			p.Event(ev)
			return nil
		})
	var failed *launchclient.LaunchFailedError
	switch {
	case errors.As(err, &failed):
		// Already rendered from the error event.
		return errReported
	case err != nil:
		return fail(p, err)
	}

	if !followLogs {
		return nil
	}
	if p.Mode() != ux.ModeMachine {
		p.Success(fmt.Sprintf("Following logs for %s on port %d (Ctrl-C to stop)", projectID, port))
	}
	return followLog(ctx, client, p, projectID)
}

// --- Lifecycle ---

func runStatus(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	st, err := newClient().Status(cmd.Context(), args[0])
	if err != nil {
		return fail(p, err)
	}
	p.Status(args[0], st)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	resp, err := newClient().Stop(cmd.Context(), args[0])
	if err != nil {
		return fail(p, err)
	}
	if p.Mode() == ux.ModeMachine {
		p.JSON(resp)
		return nil
	}
	p.Success("Stopped " + args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	resp, err := newClient().Delete(cmd.Context(), args[0])
	if err != nil {
		return fail(p, err)
	}
	if p.Mode() == ux.ModeMachine {
		p.JSON(resp)
		return nil
	}
	p.Success("Deleted " + args[0])
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	p := newPrinter(cmd)
	entries, err := newClient().List(cmd.Context())
	if err != nil {
		return fail(p, err)
	}
	p.List(entries)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	ctx, cancel := signalContext(cmd)
	defer cancel()
	return followLog(ctx, newClient(), p, args[0])
}

func followLog(ctx context.Context, client *launchclient.Client, p *ux.Printer, projectID string) error {
	err := client.FollowLogs(ctx, projectID, func(line string) error {
		p.LogLine(line)
		return nil
	})
	if err != nil {
		return fail(p, err)
	}
	return nil
}
