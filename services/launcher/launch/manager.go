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
Package launch turns a bundle of generated files into a running local
service and supervises it afterwards.

A Manager owns the launch pipeline (write, install, generate, provision,
reclaim the port, start, await readiness) and the lifecycle operations
(Status, Stop, Delete, List, FollowLog). Exactly one service runs at a time:
every project binds the same port, so starting one evicts whatever ran
before.
*/
package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLaunch/pkg/logging"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/config"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/observability"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/process"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/registry"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// eventBuffer is the capacity of a launch's event channel.
const eventBuffer = 256

// =============================================================================
// Options
// =============================================================================

// Options wires a Manager. Store, Registry, Runner, Spawner and Reconciler
// are required; the rest have defaults.
type Options struct {
	Service config.ServiceConfig
	Probe   config.ProbeConfig

	Store      *workspace.Store
	Registry   *registry.Registry
	Runner     process.CommandRunner
	Spawner    process.Spawner
	Reconciler process.Reconciler

	// Logger defaults to logging.Nop().
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *observability.LaunchMetrics

	// Tracer defaults to the global provider's "launcher" tracer.
	Tracer trace.Tracer
}

// =============================================================================
// Manager
// =============================================================================

// Manager runs launches and lifecycle operations.
//
// # Description
//
// Launch pipelines run on a context owned by the Manager, not by the caller:
// a client that disconnects mid-launch does not abort it. Shutdown cancels
// that context, waits for pipelines and stops whatever is still running.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	service config.ServiceConfig
	prober  *process.Prober

	store      *workspace.Store
	registry   *registry.Registry
	runner     process.CommandRunner
	spawner    process.Spawner
	reconciler process.Reconciler

	logger  *logging.Logger
	metrics *observability.LaunchMetrics
	tracer  trace.Tracer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a Manager.
//
// # Outputs
//
//   - *Manager: Ready to launch.
//   - error: Non-nil if a required dependency is missing.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("launch: workspace store is required")
	case opts.Registry == nil:
		return nil, errors.New("launch: registry is required")
	case opts.Runner == nil:
		return nil, errors.New("launch: command runner is required")
	case opts.Spawner == nil:
		return nil, errors.New("launch: spawner is required")
	case opts.Reconciler == nil:
		return nil, errors.New("launch: port reconciler is required")
	}
	if len(opts.Service.EntryCommand) == 0 {
		return nil, errors.New("launch: entry command is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("launcher")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		service: opts.Service,
		prober: process.NewProber(process.ProbeConfig{
			Attempts: opts.Probe.Attempts,
			Interval: opts.Probe.Interval,
			Timeout:  opts.Probe.Timeout,
		}),
		store:      opts.Store,
		registry:   opts.Registry,
		runner:     opts.Runner,
		spawner:    opts.Spawner,
		reconciler: opts.Reconciler,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}, nil
}

// Port returns the service port every project binds.
func (m *Manager) Port() int { return m.service.Port }

// Launch validates req and starts the pipeline.
//
// # Description
//
// Returns synchronously with a *ValidationError for a malformed request or
// ErrLaunchInProgress when the same project is already launching. Otherwise
// the pipeline runs in the background and reports on the returned channel:
// zero or more progress events, then exactly one ready or error event, then
// the channel is closed.
//
// # Inputs
//
//   - ctx: Only the trace context is used; cancellation is ignored.
//   - req: Bundle to launch.
//
// # Outputs
//
//   - <-chan datatypes.LaunchEvent: Event stream. The caller must drain it
//     until closed, even after it loses interest.
//   - error: Validation or in-flight rejection.
func (m *Manager) Launch(ctx context.Context, req datatypes.LaunchRequest) (<-chan datatypes.LaunchEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := m.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("launcher is shutting down: %w", err)
	}

	l := newLaunchRun(req)
	release, ok := m.registry.BeginLaunch(req.ProjectID, l.id)
	if !ok {
		return nil, ErrLaunchInProgress
	}

	// Detached from ctx's cancellation but still part of its trace.
	runCtx := trace.ContextWithSpanContext(m.baseCtx, trace.SpanContextFromContext(ctx))

	m.metrics.LaunchStarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.metrics.LaunchEnded()
		defer release()
		defer close(l.events)
		m.run(runCtx, l)
	}()

	return l.events, nil
}

// Status reports whether projectID is the running project.
func (m *Manager) Status(projectID string) datatypes.StatusResponse {
	m.metrics.RecordLifecycle("status")
	inst, ok := m.registry.Get(projectID)
	return datatypes.StatusResponse{
		Running: ok,
		Port:    datatypes.PortPtr(ok, inst.Port),
	}
}

// Stop terminates projectID's service if it is registered. Stopping a
// project that is not running succeeds.
func (m *Manager) Stop(projectID string) datatypes.StopResponse {
	m.metrics.RecordLifecycle("stop")
	m.stop(projectID)
	return datatypes.StopResponse{Stopped: true}
}

// Delete stops projectID and removes its workspace. Removal failures are
// logged; the response is always deleted:true.
func (m *Manager) Delete(projectID string) datatypes.DeleteResponse {
	m.metrics.RecordLifecycle("delete")
	if m.registry.Launching(projectID) {
		m.logger.Warn("deleting workspace of a project that is still launching", "project_id", projectID)
	}
	m.stop(projectID)
	if err := m.store.Remove(projectID); err != nil {
		m.logger.Warn("workspace removal failed", "project_id", projectID, "error", err)
	} else {
		m.logger.Info("workspace deleted", "project_id", projectID)
	}
	return datatypes.DeleteResponse{Deleted: true}
}

// List describes every workspace directory, sorted by project id.
func (m *Manager) List(ctx context.Context) ([]datatypes.ListEntry, error) {
	m.metrics.RecordLifecycle("list")
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	live := make(map[string]registry.Instance)
	for _, inst := range m.registry.All() {
		live[inst.ProjectID] = inst
	}

	out := make([]datatypes.ListEntry, 0, len(entries))
	for _, e := range entries {
		inst, running := live[e.ProjectID]
		out = append(out, datatypes.ListEntry{
			ProjectID: e.ProjectID,
			Running:   running,
			Port:      datatypes.PortPtr(running, inst.Port),
			SizeKB:    e.SizeKB(),
		})
	}
	return out, nil
}

// Shutdown stops accepting launches, waits for in-flight pipelines and
// terminates every running service.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancelBase()
	if n := m.registry.InFlight(); n > 0 {
		m.logger.Info("waiting for in-flight launches", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for launches: %w", ctx.Err())
	}

	for _, inst := range m.registry.DeleteAll() {
		m.terminate(inst, "launcher shutdown")
	}
	m.metrics.SetRunning(0)
	return err
}

// stop removes and terminates the registered instance, if any.
func (m *Manager) stop(projectID string) {
	inst, ok := m.registry.Delete(projectID)
	if !ok {
		return
	}
	m.terminate(inst, "stop requested")
	m.metrics.SetRunning(m.registry.Len())
}

// terminate signals an instance that is no longer registered.
func (m *Manager) terminate(inst registry.Instance, reason string) {
	if inst.Handle == nil {
		return
	}
	if err := inst.Handle.Terminate(m.service.StopGracePeriod); err != nil {
		m.logger.Warn("failed to terminate service",
			"project_id", inst.ProjectID, "pid", inst.Handle.Pid(), "reason", reason, "error", err)
		return
	}
	m.logger.Info("service terminated",
		"project_id", inst.ProjectID, "pid", inst.Handle.Pid(), "reason", reason,
		"uptime", time.Since(inst.StartedAt).Round(time.Millisecond).String())
}
