// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Handle is a supervised, long-running service process.
//
// # Description
//
// The process leads its own process group, so signals sent through the
// Handle reach the service and anything it forked. Exited() is closed by an
// observer goroutine the moment the process terminates.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Handle interface {
	// Pid returns the process id (also the process group id).
	Pid() int

	// Exited is closed when the process has terminated.
	Exited() <-chan struct{}

	// ExitCode returns the exit status and whether the process has exited.
	// A signal-terminated process reports -1.
	ExitCode() (int, bool)

	// ExitSignal names the signal that terminated the process, or "" if it
	// is running or exited on its own.
	ExitSignal() string

	// Terminate sends SIGTERM to the process group and returns immediately.
	// If the process is still alive after grace, the group is sent SIGKILL.
	// A zero grace never escalates. Terminating an exited process is a no-op.
	Terminate(grace time.Duration) error

	// Kill sends SIGKILL to the process group.
	Kill() error
}

// Spawner starts service processes.
type Spawner interface {
	// Spawn starts cmd detached from ctx with output appended to output.
	//
	// # Inputs
	//
	//   - ctx: Only bounds the start itself; the process outlives it.
	//   - cmd: Program, working directory and environment overrides.
	//   - output: Receives stdout and stderr. An *os.File is handed to the
	//     child directly and may be closed by the caller once Spawn returns.
	//
	// # Outputs
	//
	//   - Handle: Supervision handle.
	//   - error: Non-nil if the process could not be started.
	Spawn(ctx context.Context, cmd Command, output io.Writer) (Handle, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// ProcessSpawner implements Spawner using os/exec and process groups.
type ProcessSpawner struct{}

// NewProcessSpawner creates a new ProcessSpawner.
func NewProcessSpawner() *ProcessSpawner {
	return &ProcessSpawner{}
}

// Spawn starts the command in a new process group.
func (s *ProcessSpawner) Spawn(ctx context.Context, cmd Command, output io.Writer) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Name == "" {
		return nil, errors.New("empty command")
	}

	// Not CommandContext: the service must outlive the launch request.
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.environ()
	c.Stdout = output
	c.Stderr = output
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	h := &processHandle{
		cmd:    c,
		pid:    c.Process.Pid,
		exited: make(chan struct{}),
	}
	go h.observe()
	return h, nil
}

// processHandle implements Handle for a real child process.
type processHandle struct {
	cmd    *exec.Cmd
	pid    int
	exited chan struct{}

	mu         sync.Mutex
	exitCode   int
	exitSignal string
	done       bool
}

// observe waits for the child and records its status.
func (h *processHandle) observe() {
	res := exitResultFrom(h.cmd.Wait())

	h.mu.Lock()
	h.exitCode = res.Code
	h.exitSignal = res.Signal
	h.done = true
	h.mu.Unlock()

	close(h.exited)
}

func (h *processHandle) Pid() int { return h.pid }

func (h *processHandle) Exited() <-chan struct{} { return h.exited }

func (h *processHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.done
}

func (h *processHandle) ExitSignal() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitSignal
}

func (h *processHandle) Terminate(grace time.Duration) error {
	if h.hasExited() {
		return nil
	}
	if err := signalGroup(h.pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", h.pid, err)
	}
	if grace > 0 {
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				_ = signalGroup(h.pid, unix.SIGKILL)
			}
		}()
	}
	return nil
}

func (h *processHandle) Kill() error {
	if h.hasExited() {
		return nil
	}
	if err := signalGroup(h.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}
	return nil
}

func (h *processHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Compile-time interface compliance check.
var (
	_ Spawner = (*ProcessSpawner)(nil)
	_ Handle  = (*processHandle)(nil)
)
