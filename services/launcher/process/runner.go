// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process wraps the operating-system side of a launch: running the
provisioning tools, spawning and signalling the service, reclaiming the
service port and probing it for readiness.

Every exec.Command call in the launcher goes through CommandRunner or Spawner
so the pipeline can be tested with MockCommandRunner and fake handles.
*/
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	// lineBuffer is the capacity of a Stream's line channel.
	lineBuffer = 64

	// maxLineBytes bounds one output line; longer lines are forwarded in
	// chunks of at most this size.
	maxLineBytes = 256 * 1024

	// drainGrace is how long the pump may keep reading after the tool exits.
	// Background grandchildren can hold the pipe open indefinitely.
	drainGrace = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Command
// -----------------------------------------------------------------------------

// Command describes one external program invocation.
type Command struct {
	// Name is the executable, resolved through PATH.
	Name string

	// Args are passed verbatim; no shell is involved.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env entries override the inherited environment (KEY=VALUE).
	Env []string
}

// NewCommand builds a Command from an argv list.
func NewCommand(argv []string, dir string, env ...string) Command {
	c := Command{Dir: dir, Env: env}
	if len(argv) > 0 {
		c.Name = argv[0]
		c.Args = append([]string(nil), argv[1:]...)
	}
	return c
}

// String renders the command the way a user would type it.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// environ merges c.Env over the parent environment. Later entries win.
func (c Command) environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	overridden := make(map[string]bool, len(c.Env))
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); ok {
			overridden[k] = true
		}
	}
	env := make([]string, 0, len(os.Environ())+len(c.Env))
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && overridden[k] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, c.Env...)
}

// -----------------------------------------------------------------------------
// Exit status
// -----------------------------------------------------------------------------

// ExitResult is how a process ended.
type ExitResult struct {
	// Code is the exit status, or -1 when the process was killed by a signal
	// or never ran.
	Code int

	// Signaled is true when the process was terminated by a signal.
	Signaled bool

	// Signal names the terminating signal (e.g. "SIGKILL") when Signaled.
	Signal string

	// Err is set when the process could not be waited on at all.
	Err error

	// OutputErr is set when reading the process output failed. It does not
	// affect Success.
	OutputErr error
}

// Success reports whether the run counts as successful. A signal-terminated
// process has no exit code and is treated as success.
func (r ExitResult) Success() bool {
	return r.Err == nil && (r.Code == 0 || r.Signaled)
}

// exitResultFrom converts the error returned by exec.Cmd.Wait.
func exitResultFrom(err error) ExitResult {
	if err == nil {
		return ExitResult{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return ExitResult{Code: -1, Signaled: true, Signal: unix.SignalName(status.Signal())}
		}
		return ExitResult{Code: exitErr.ExitCode()}
	}
	return ExitResult{Code: -1, Err: err}
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

// Stream is a running command whose stdout and stderr are merged into one
// ordered sequence of lines.
//
// # Description
//
// Both output streams share a single pipe, so lines appear in the order the
// process wrote them. Lines() is closed when output ends; Wait blocks until
// the process has exited and output is drained.
//
// # Assumptions
//
//   - The caller drains Lines() before or while calling Wait. An undrained
//     channel eventually blocks the process on a full pipe.
type Stream struct {
	lines  chan string
	done   chan struct{}
	result ExitResult
}

// Lines returns the merged output, one element per line without the newline.
func (s *Stream) Lines() <-chan string { return s.lines }

// Wait blocks until the process exits and returns its status.
func (s *Stream) Wait() ExitResult {
	<-s.done
	return s.result
}

// NewStaticStream returns an already-finished Stream that yields lines and
// then res. Used by test doubles.
func NewStaticStream(lines []string, res ExitResult) *Stream {
	s := &Stream{
		lines:  make(chan string, len(lines)),
		done:   make(chan struct{}),
		result: res,
	}
	for _, l := range lines {
		s.lines <- l
	}
	close(s.lines)
	close(s.done)
	return s
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// CommandRunner runs short-lived external tools.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type CommandRunner interface {
	// Stream starts cmd and returns its merged output as lines.
	//
	// # Description
	//
	// The process runs in its own process group. Cancelling ctx kills the
	// whole group. There is no timeout besides ctx.
	//
	// # Outputs
	//
	//   - *Stream: Running command.
	//   - error: Non-nil if the process could not be started.
	Stream(ctx context.Context, cmd Command) (*Stream, error)

	// Output runs cmd to completion and returns stdout.
	//
	// # Outputs
	//
	//   - []byte: stdout.
	//   - error: *exec.ExitError (wrapped) on non-zero exit, with stderr appended.
	Output(ctx context.Context, cmd Command) ([]byte, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultCommandRunner implements CommandRunner using os/exec.
type DefaultCommandRunner struct{}

// NewDefaultCommandRunner creates a new DefaultCommandRunner.
func NewDefaultCommandRunner() *DefaultCommandRunner {
	return &DefaultCommandRunner{}
}

// Stream starts cmd with stdout and stderr on one pipe.
func (r *DefaultCommandRunner) Stream(ctx context.Context, cmd Command) (*Stream, error) {
	if cmd.Name == "" {
		return nil, errors.New("empty command")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.environ()
	c.Stdout = pw
	c.Stderr = pw
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return signalGroup(c.Process.Pid, unix.SIGKILL)
	}

	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	pw.Close()

	s := &Stream{
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}

	var pump errgroup.Group
	pumpDone := make(chan struct{})
	pump.Go(func() error {
		defer close(pumpDone)
		defer close(s.lines)
		return scanLines(pr, s.lines)
	})

	go func() {
		defer close(s.done)
		waitErr := c.Wait()

		select {
		case <-pumpDone:
		case <-time.After(drainGrace):
			pr.Close()
		}
		outErr := pump.Wait()
		pr.Close()

		s.result = exitResultFrom(waitErr)
		s.result.OutputErr = outErr
	}()

	return s, nil
}

// Output runs cmd and returns stdout.
func (r *DefaultCommandRunner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.environ()

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// scanLines forwards each line of r to out, trimming the line ending. A line
// longer than maxLineBytes is forwarded in pieces so r is always read to EOF.
func scanLines(r io.Reader, out chan<- string) error {
	reader := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			out <- strings.TrimRight(string(line), "\r\n")
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// signalGroup sends sig to the process group led by pid. A group that no
// longer exists is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockCommandRunner is a test double for CommandRunner.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it will panic.
//
// # Examples
//
//	mock := &MockCommandRunner{
//	    StreamFunc: func(ctx context.Context, cmd Command) (*Stream, error) {
//	        return NewStaticStream([]string{"added 12 packages"}, ExitResult{}), nil
//	    },
//	}
type MockCommandRunner struct {
	// StreamFunc is called when Stream is invoked
	StreamFunc func(ctx context.Context, cmd Command) (*Stream, error)

	// OutputFunc is called when Output is invoked
	OutputFunc func(ctx context.Context, cmd Command) ([]byte, error)

	// Calls records all method invocations for verification
	Calls []CommandCall

	mu sync.Mutex
}

// CommandCall records a single method invocation.
type CommandCall struct {
	Method  string
	Command Command
}

// Stream delegates to StreamFunc and records the call.
func (m *MockCommandRunner) Stream(ctx context.Context, cmd Command) (*Stream, error) {
	m.record("Stream", cmd)
	if m.StreamFunc == nil {
		panic("MockCommandRunner.StreamFunc not set")
	}
	return m.StreamFunc(ctx, cmd)
}

// Output delegates to OutputFunc and records the call.
func (m *MockCommandRunner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	m.record("Output", cmd)
	if m.OutputFunc == nil {
		panic("MockCommandRunner.OutputFunc not set")
	}
	return m.OutputFunc(ctx, cmd)
}

func (m *MockCommandRunner) record(method string, cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, CommandCall{Method: method, Command: cmd})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockCommandRunner) GetCalls() []CommandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]CommandCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ CommandRunner = (*DefaultCommandRunner)(nil)
	_ CommandRunner = (*MockCommandRunner)(nil)
)
