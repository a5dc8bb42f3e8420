// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the launcher over HTTP.
//
// Launches stream Server-Sent Events; the lifecycle endpoints (status, stop,
// delete, list) answer with small JSON documents; service logs are followed
// over a WebSocket.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianLaunch/pkg/logging"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/launch"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// defaultHeartbeatInterval is the interval for SSE keep-alive comments.
	defaultHeartbeatInterval = 15 * time.Second

	// defaultLogBacklog is how many existing log lines a follower replays.
	defaultLogBacklog = 200

	errMissingLaunchFields = "projectId and files are required"
	errMissingProjectID    = "projectId is required"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Launcher is the service surface the handlers drive.
//
// # Description
//
// Implemented by *launch.Manager. Declared here so handler tests can use a
// scripted fake.
type Launcher interface {
	Launch(ctx context.Context, req datatypes.LaunchRequest) (<-chan datatypes.LaunchEvent, error)
	Status(projectID string) datatypes.StatusResponse
	Stop(projectID string) datatypes.StopResponse
	Delete(projectID string) datatypes.DeleteResponse
	List(ctx context.Context) ([]datatypes.ListEntry, error)
	FollowLog(ctx context.Context, projectID string, backlog int, send func(line string) error) error
}

var _ Launcher = (*launch.Manager)(nil)

// =============================================================================
// Handler
// =============================================================================

// HandlerOptions configures LaunchHandler.
type HandlerOptions struct {
	// HeartbeatInterval between SSE keep-alives. Default 15s.
	HeartbeatInterval time.Duration

	// LogBacklog is the number of lines replayed on a log follow. Default 200.
	LogBacklog int

	// Logger defaults to logging.Nop().
	Logger *logging.Logger
}

// LaunchHandler serves the /v1/launch endpoints.
type LaunchHandler struct {
	launcher  Launcher
	heartbeat time.Duration
	backlog   int
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewLaunchHandler creates a LaunchHandler.
//
// # Inputs
//
//   - launcher: Service to drive. Must not be nil.
//   - opts: Optional tuning; zero values take defaults.
//
// # Outputs
//
//   - *LaunchHandler: Ready to register on a router.
func NewLaunchHandler(launcher Launcher, opts HandlerOptions) *LaunchHandler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.LogBacklog <= 0 {
		opts.LogBacklog = defaultLogBacklog
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &LaunchHandler{
		launcher:  launcher,
		heartbeat: opts.HeartbeatInterval,
		backlog:   opts.LogBacklog,
		logger:    opts.Logger,
		tracer:    otel.Tracer("aleutian.launcher.handlers"),
	}
}

// HandleLaunch handles POST /v1/launch.
//
// # Description
//
// Binds the bundle, starts the launch and streams its events as SSE until
// the terminal ready or error event. Request problems are answered with
// plain JSON before any stream is opened:
//
//   - 400 {"error": "projectId and files are required"}: bad body or bundle.
//   - 409: the project is already launching.
//   - 503: the launcher is shutting down.
//
// # Limitations
//
//   - A client that disconnects does not cancel the launch. The remaining
//     events are drained in the background.
func (h *LaunchHandler) HandleLaunch(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleLaunch")
	defer span.End()

	var req datatypes.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		h.logger.Warn("failed to parse launch request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingLaunchFields})
		return
	}
	span.SetAttributes(
		attribute.String("project.id", req.ProjectID),
		attribute.Int("bundle.files", len(req.Files)),
	)

	events, err := h.launcher.Launch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch rejected")
		var verr *launch.ValidationError
		switch {
		case errors.As(err, &verr):
			h.logger.Warn("launch request rejected", "project_id", req.ProjectID, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": errMissingLaunchFields})
		case errors.Is(err, launch.ErrLaunchInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error("launch could not start", "project_id", req.ProjectID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return
	}

	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		go drain(events)
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		h.logger.Error("failed to create SSE writer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	heartbeatDone := make(chan struct{})
	heartbeatExited := make(chan struct{})
	go func() {
		defer close(heartbeatExited)
		h.runHeartbeat(ctx, sse, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatExited
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.WriteEvent(ev); err != nil {
				h.logger.Info("launch client went away, draining events",
					"project_id", req.ProjectID,
					"error", err,
				)
				go drain(events)
				return
			}
			if ev.Type == datatypes.EventError {
				span.SetStatus(codes.Error, ev.Message)
			}
		case <-ctx.Done():
			h.logger.Info("launch client disconnected, draining events", "project_id", req.ProjectID)
			go drain(events)
			return
		}
	}
}

// runHeartbeat writes keep-alives until done or ctx ends.
func (h *LaunchHandler) runHeartbeat(ctx context.Context, w SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}

// drain consumes the rest of a launch's events.
func drain(events <-chan datatypes.LaunchEvent) {
	for range events {
	}
}
