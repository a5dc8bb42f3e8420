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
	"io"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Mock Implementations for Testing
// -----------------------------------------------------------------------------

// MockHandle is a controllable Handle.
//
// The process "exits" when Exit is called or when Terminate/Kill is called
// (with code -1, like a signal). Signals are counted for verification.
type MockHandle struct {
	PID int

	mu         sync.Mutex
	exited     chan struct{}
	exitCode   int
	exitSignal string
	done       bool
	terminates int
	kills      int

	// OnTerminate runs inside Terminate before the handle exits. Optional.
	OnTerminate func()
}

// NewMockHandle creates a running MockHandle.
func NewMockHandle(pid int) *MockHandle {
	return &MockHandle{PID: pid, exited: make(chan struct{})}
}

func (m *MockHandle) Pid() int { return m.PID }

func (m *MockHandle) Exited() <-chan struct{} { return m.exited }

func (m *MockHandle) ExitCode() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode, m.done
}

func (m *MockHandle) ExitSignal() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitSignal
}

// Exit marks the process as exited with code. Calling it twice is a no-op.
func (m *MockHandle) Exit(code int) {
	m.finish(code, "")
}

// Signal marks the process as killed by sig, e.g. "SIGKILL".
func (m *MockHandle) Signal(sig string) {
	m.finish(-1, sig)
}

func (m *MockHandle) finish(code int, sig string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.exitCode = code
	m.exitSignal = sig
	m.done = true
	close(m.exited)
}

func (m *MockHandle) Terminate(time.Duration) error {
	m.mu.Lock()
	m.terminates++
	hook := m.OnTerminate
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.Signal("SIGTERM")
	return nil
}

func (m *MockHandle) Kill() error {
	m.mu.Lock()
	m.kills++
	m.mu.Unlock()
	m.Signal("SIGKILL")
	return nil
}

// Terminations returns how many times Terminate was called.
func (m *MockHandle) Terminations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminates
}

// Kills returns how many times Kill was called.
func (m *MockHandle) Kills() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kills
}

// MockSpawner is a test double for Spawner.
type MockSpawner struct {
	// SpawnFunc is called when Spawn is invoked
	SpawnFunc func(ctx context.Context, cmd Command, output io.Writer) (Handle, error)

	// Calls records every spawned command
	Calls []Command

	mu sync.Mutex
}

// Spawn delegates to SpawnFunc and records the call.
func (m *MockSpawner) Spawn(ctx context.Context, cmd Command, output io.Writer) (Handle, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	m.mu.Unlock()
	if m.SpawnFunc == nil {
		panic("MockSpawner.SpawnFunc not set")
	}
	return m.SpawnFunc(ctx, cmd, output)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockSpawner) GetCalls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Command, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// MockReconciler is a test double for Reconciler.
type MockReconciler struct {
	// ReconcileFunc is called when Reconcile is invoked. Nil reclaims nothing.
	ReconcileFunc func(ctx context.Context, port int) (ReconcileResult, error)

	// Ports records every reconciled port
	Ports []int

	mu sync.Mutex
}

// Reconcile delegates to ReconcileFunc and records the call.
func (m *MockReconciler) Reconcile(ctx context.Context, port int) (ReconcileResult, error) {
	m.mu.Lock()
	m.Ports = append(m.Ports, port)
	m.mu.Unlock()
	if m.ReconcileFunc == nil {
		return ReconcileResult{Method: "mock"}, nil
	}
	return m.ReconcileFunc(ctx, port)
}

// Compile-time interface compliance check.
var (
	_ Handle     = (*MockHandle)(nil)
	_ Spawner    = (*MockSpawner)(nil)
	_ Reconciler = (*MockReconciler)(nil)
)
