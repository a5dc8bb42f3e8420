// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HandleStatus handles GET /v1/launch/status?projectId=X.
func (h *LaunchHandler) HandleStatus(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleStatus")
	defer span.End()

	req, ok := h.bindProject(c, false)
	if !ok {
		span.SetStatus(codes.Error, "invalid project id")
		return
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))
	c.JSON(http.StatusOK, h.launcher.Status(req.ProjectID))
}

// HandleStop handles POST /v1/launch/stop with {"projectId": X}.
//
// Stopping a project that is not running still answers {"stopped": true}.
func (h *LaunchHandler) HandleStop(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleStop")
	defer span.End()

	req, ok := h.bindProject(c, true)
	if !ok {
		span.SetStatus(codes.Error, "invalid project id")
		return
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))
	c.JSON(http.StatusOK, h.launcher.Stop(req.ProjectID))
}

// HandleDelete handles DELETE /v1/launch/delete.
//
// The project id comes from a JSON body or, failing that, the projectId
// query parameter.
func (h *LaunchHandler) HandleDelete(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleDelete")
	defer span.End()

	req, ok := h.bindProject(c, true)
	if !ok {
		span.SetStatus(codes.Error, "invalid project id")
		return
	}
	span.SetAttributes(attribute.String("project.id", req.ProjectID))
	c.JSON(http.StatusOK, h.launcher.Delete(req.ProjectID))
}

// HandleList handles GET /v1/launch/list.
func (h *LaunchHandler) HandleList(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleList")
	defer span.End()

	entries, err := h.launcher.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		h.logger.Error("failed to list workspaces", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workspaces"})
		return
	}
	span.SetAttributes(attribute.Int("workspace.count", len(entries)))
	c.JSON(http.StatusOK, entries)
}

// bindProject extracts and validates the project id. When fromBody is set a
// JSON body is tried first; the query string is always the fallback. On
// failure it writes the 400 response and returns false.
func (h *LaunchHandler) bindProject(c *gin.Context, fromBody bool) (datatypes.ProjectRequest, bool) {
	var req datatypes.ProjectRequest
	if fromBody && c.Request.ContentLength != 0 && strings.HasPrefix(c.ContentType(), binding.MIMEJSON) {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("failed to parse project request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": errMissingProjectID})
			return req, false
		}
	}
	if req.ProjectID == "" {
		req.ProjectID = c.Query("projectId")
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingProjectID})
		return req, false
	}
	return req, true
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
