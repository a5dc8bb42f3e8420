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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLaunch/pkg/logging"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/observability"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/process"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/registry"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/workspace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// toolTailLines is how many trailing output lines a StageToolError carries.
const toolTailLines = 3

// =============================================================================
// Launch run
// =============================================================================

// launchRun is the state of one pipeline execution.
type launchRun struct {
	id     string
	req    datatypes.LaunchRequest
	events chan datatypes.LaunchEvent
}

func newLaunchRun(req datatypes.LaunchRequest) *launchRun {
	return &launchRun{
		id:     uuid.New().String(),
		req:    req,
		events: make(chan datatypes.LaunchEvent, eventBuffer),
	}
}

// emit stamps ev with its ids and timestamp and sends it.
func (l *launchRun) emit(ev datatypes.LaunchEvent) {
	ev.Id = uuid.New().String()
	ev.LaunchID = l.id
	ev.CreatedAt = time.Now().UnixMilli()
	l.events <- ev
}

func (l *launchRun) progress(stage datatypes.Stage, detail string) {
	l.emit(datatypes.NewProgressEvent(stage, detail))
}

// =============================================================================
// Pipeline
// =============================================================================

// run executes the pipeline and emits the terminal event.
func (m *Manager) run(ctx context.Context, l *launchRun) {
	log := m.logger.ForLaunch(l.req.ProjectID, l.id)
	ctx, span := m.tracer.Start(ctx, "launch",
		trace.WithAttributes(
			attribute.String("launch.project_id", l.req.ProjectID),
			attribute.String("launch.id", l.id),
			attribute.Int("launch.files", len(l.req.Files)),
		),
	)
	defer span.End()

	start := time.Now()
	log.Info("launch started", "files", len(l.req.Files))

	port, err := m.pipeline(ctx, l, log)
	if err != nil {
		outcome := outcomeOf(err)
		m.metrics.RecordLaunch(outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		log.Error("launch failed", "outcome", string(outcome), "error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds())
		l.emit(datatypes.NewErrorEvent(err.Error()))
		return
	}

	m.metrics.RecordLaunch(observability.OutcomeReady)
	span.SetStatus(codes.Ok, "ready")
	log.Info("launch ready", "port", port, "duration_ms", time.Since(start).Milliseconds())
	l.emit(datatypes.NewReadyEvent(port))
}

// pipeline runs every stage in order and returns the ready port.
func (m *Manager) pipeline(ctx context.Context, l *launchRun, log *logging.Logger) (int, error) {
	projectID := l.req.ProjectID
	dir := m.store.Dir(projectID)
	port := m.service.Port

	err := m.stage(ctx, datatypes.StageWritingFiles, func(ctx context.Context) error {
		l.progress(datatypes.StageWritingFiles, fmt.Sprintf("%d files → %s", len(l.req.Files), dir))
		if _, err := m.store.WriteBundle(projectID, l.req.Files); err != nil {
			return &FileWriteError{Err: err}
		}
		if err := m.store.WriteEnv(projectID, m.service.DatabaseURL, port); err != nil {
			return &FileWriteError{Err: err}
		}
		log.Debug("bundle written", "dir", dir)
		return nil
	})
	if err != nil {
		return 0, err
	}

	tools := []struct {
		stage datatypes.Stage
		argv  []string
	}{
		{datatypes.StageInstallingDependencies, m.service.InstallCommand},
		{datatypes.StageGeneratingSchema, m.service.SchemaCommand},
		{datatypes.StageProvisioningStorage, m.service.StorageCommand},
	}
	for _, tool := range tools {
		err := m.stage(ctx, tool.stage, func(ctx context.Context) error {
			return m.runTool(ctx, l, log, tool.stage, process.NewCommand(tool.argv, dir))
		})
		if err != nil {
			return 0, err
		}
	}

	err = m.stage(ctx, datatypes.StageReconcilingPort, func(ctx context.Context) error {
		m.reconcilePort(ctx, l, log)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := sleepCtx(ctx, m.service.SettleDelay); err != nil {
		return 0, cancelled(err)
	}

	var handle process.Handle
	err = m.stage(ctx, datatypes.StageStarting, func(ctx context.Context) error {
		h, err := m.startService(ctx, l, log, dir)
		handle = h
		return err
	})
	if err != nil {
		return 0, err
	}

	err = m.stage(ctx, datatypes.StageAwaitingReady, func(ctx context.Context) error {
		return m.awaitReady(ctx, l, log, handle)
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// stage wraps fn in a span and a duration observation.
func (m *Manager) stage(ctx context.Context, stage datatypes.Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	ctx, span := m.tracer.Start(ctx, "launch."+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	m.metrics.RecordStage(string(stage), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// runTool streams one provisioning tool's output as progress events.
func (m *Manager) runTool(ctx context.Context, l *launchRun, log *logging.Logger, stage datatypes.Stage, cmd process.Command) error {
	l.progress(stage, cmd.String())
	log.Info("running tool", "stage", string(stage), "command", cmd.String())

	stream, err := m.runner.Stream(ctx, cmd)
	if err != nil {
		m.metrics.RecordToolFailure(string(stage))
		return &StageToolError{Stage: stage, Tool: cmd.Name, ExitCode: -1, Err: err}
	}

	tail := make([]string, 0, toolTailLines+1)
	for line := range stream.Lines() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		l.progress(stage, line)
		tail = append(tail, line)
		if len(tail) > toolTailLines {
			tail = tail[1:]
		}
	}

	res := stream.Wait()
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if res.Err != nil {
		log.Warn("tool wait failed", "stage", string(stage), "error", res.Err.Error())
	}
	if res.OutputErr != nil {
		log.Warn("tool output read failed", "stage", string(stage), "error", res.OutputErr.Error())
	}
	if !res.Success() {
		m.metrics.RecordToolFailure(string(stage))
		return &StageToolError{Stage: stage, Tool: cmd.Name, ExitCode: res.Code, Tail: tail}
	}

	log.Info("tool finished", "stage", string(stage), "exit_code", res.Code, "signaled", res.Signaled)
	return nil
}

// reconcilePort frees the service port. Failures are logged and reported as
// progress, never returned.
func (m *Manager) reconcilePort(ctx context.Context, l *launchRun, log *logging.Logger) {
	port := m.service.Port
	res, err := m.reconciler.Reconcile(ctx, port)
	if err != nil {
		log.Warn("port reconciliation failed", "port", port, "error", err.Error())
		l.progress(datatypes.StageReconcilingPort, fmt.Sprintf("could not inspect port %d: %v", port, err))
		return
	}

	m.metrics.RecordPortReclaims(len(res.PIDs))
	if len(res.PIDs) == 0 {
		l.progress(datatypes.StageReconcilingPort, fmt.Sprintf("port %d is free", port))
		return
	}
	log.Info("reclaimed service port", "port", port, "pids", res.PIDs, "method", res.Method)
	l.progress(datatypes.StageReconcilingPort, fmt.Sprintf("port %d: killed %d listening process(es)", port, len(res.PIDs)))
}

// startService evicts every registered instance and spawns the entry command.
func (m *Manager) startService(ctx context.Context, l *launchRun, log *logging.Logger, dir string) (process.Handle, error) {
	projectID := l.req.ProjectID

	// One port for everyone: whatever ran before, this project or another, goes.
	for _, prev := range m.registry.DeleteAll() {
		m.terminate(prev, "superseded by "+projectID)
	}
	m.metrics.SetRunning(0)

	cmd := process.NewCommand(m.service.EntryCommand, dir,
		"DATABASE_URL="+m.service.DatabaseURL,
		fmt.Sprintf("PORT=%d", m.service.Port),
	)
	l.progress(datatypes.StageStarting, cmd.String())

	logFile, err := m.store.OpenLog(projectID)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	defer logFile.Close()

	h, err := m.spawner.Spawn(ctx, cmd, logFile)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	log.Info("service spawned", "pid", h.Pid(), "command", cmd.String())

	go m.observeExit(projectID, h, log)
	return h, nil
}

// observeExit deregisters the instance when its process dies on its own.
func (m *Manager) observeExit(projectID string, h process.Handle, log *logging.Logger) {
	<-h.Exited()
	code, _ := h.ExitCode()
	if m.registry.DeleteIf(projectID, h) {
		m.metrics.SetRunning(m.registry.Len())
		log.Warn("running service exited", "pid", h.Pid(), "exit_code", code)
		return
	}
	log.Debug("service process exited", "pid", h.Pid(), "exit_code", code)
}

// awaitReady probes the port and registers the instance on success.
func (m *Manager) awaitReady(ctx context.Context, l *launchRun, log *logging.Logger, h process.Handle) error {
	projectID := l.req.ProjectID
	port := m.service.Port

	res := m.prober.Await(ctx, port, h)
	m.metrics.RecordProbe(res.Attempts)

	if res.Ready {
		m.registry.Set(registry.Instance{
			ProjectID: projectID,
			Handle:    h,
			Port:      port,
			StartedAt: time.Now(),
			LaunchID:  l.id,
		})
		// The exit observer may have fired before the entry existed.
		select {
		case <-h.Exited():
			m.registry.DeleteIf(projectID, h)
		default:
		}
		m.metrics.SetRunning(m.registry.Len())
		log.Info("service ready", "port", port, "probe_attempts", res.Attempts)
		return nil
	}

	if err := ctx.Err(); err != nil {
		_ = h.Kill()
		return cancelled(err)
	}

	tail := m.store.LogTail(projectID, workspace.DefaultLogTailLines)
	if res.Exited {
		return &EarlyExitError{ExitCode: res.ExitCode, Signal: res.ExitSignal, LogTail: tail}
	}

	// Not registered, so nothing else would ever stop it.
	if err := h.Terminate(m.service.StopGracePeriod); err != nil {
		log.Warn("failed to terminate unready service", "pid", h.Pid(), "error", err.Error())
	}
	return &ReadinessTimeoutError{Port: port, Window: m.prober.Config().Window(), LogTail: tail}
}

// =============================================================================
// Helpers
// =============================================================================

// cancelled wraps a context error as a pipeline failure.
func cancelled(err error) error {
	return fmt.Errorf("launch cancelled: %w", err)
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// outcomeOf classifies a pipeline error for metrics.
func outcomeOf(err error) observability.Outcome {
	var (
		fileErr    *FileWriteError
		toolErr    *StageToolError
		spawnErr   *SpawnError
		exitErr    *EarlyExitError
		timeoutErr *ReadinessTimeoutError
	)
	switch {
	case errors.As(err, &fileErr):
		return observability.OutcomeFileWriteError
	case errors.As(err, &toolErr):
		return observability.OutcomeToolError
	case errors.As(err, &spawnErr):
		return observability.OutcomeSpawnError
	case errors.As(err, &exitErr):
		return observability.OutcomeEarlyExit
	case errors.As(err, &timeoutErr):
		return observability.OutcomeReadinessTimeout
	default:
		return observability.OutcomeCancelled
	}
}
