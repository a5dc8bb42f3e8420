// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
)

// ErrLaunchInProgress is returned when a project already has a launch in flight.
var ErrLaunchInProgress = errors.New("a launch for this project is already in progress")

// ErrUnknownProject is returned when a project has no workspace.
var ErrUnknownProject = errors.New("unknown project")

// ValidationError rejects a launch request before any work is done.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid launch request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FileWriteError is an I/O failure while writing the bundle or env file.
type FileWriteError struct {
	Err error
}

func (e *FileWriteError) Error() string { return e.Err.Error() }

func (e *FileWriteError) Unwrap() error { return e.Err }

// StageToolError is a provisioning tool that exited unsuccessfully or could
// not be started.
type StageToolError struct {
	Stage    datatypes.Stage
	Tool     string
	ExitCode int

	// Tail holds up to the last three output lines.
	Tail []string

	// Err is set when the tool could not be started.
	Err error
}

func (e *StageToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed to start: %v", e.Tool, e.Err)
	}
	msg := fmt.Sprintf("%s failed (exit %d)", e.Tool, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

func (e *StageToolError) Unwrap() error { return e.Err }

// SpawnError means the service process could not be created at all.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "App failed to start — " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EarlyExitError means the service exited before its port opened. A
// signal-killed process has no exit code; Signal names the signal instead.
type EarlyExitError struct {
	ExitCode int
	Signal   string
	LogTail  string
}

func (e *EarlyExitError) Error() string {
	if e.Signal != "" {
		return withTail("App failed to start — process exited with code null (killed by "+e.Signal+")", e.LogTail)
	}
	return withTail(fmt.Sprintf("App failed to start — process exited with code %d", e.ExitCode), e.LogTail)
}

// ReadinessTimeoutError means the service stayed alive but never opened its
// port within the probe window.
type ReadinessTimeoutError struct {
	Port    int
	Window  time.Duration
	LogTail string
}

func (e *ReadinessTimeoutError) Error() string {
	return withTail(fmt.Sprintf("App failed to start — port %d not ready after %s", e.Port, e.Window), e.LogTail)
}

func withTail(msg, tail string) string {
	if tail == "" {
		return msg
	}
	return msg + ": " + tail
}
