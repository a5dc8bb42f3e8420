// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types of the launcher service.
//
// This file contains the launch request, the launch event stream and the
// lifecycle responses. Field names match the JSON the web client already
// speaks (camelCase for request/response bodies).
package datatypes

import (
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxFilesPerBundle bounds a single launch request.
	MaxFilesPerBundle = 5000

	// MaxProjectIDLength bounds the project id (it becomes a directory name).
	MaxProjectIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// launchValidate is the validator instance for launch datatypes.
// Initialized in init() with custom validators.
var launchValidate *validator.Validate

func init() {
	launchValidate = validator.New()

	_ = launchValidate.RegisterValidation("projectid", validateProjectID)
}

// validateProjectID accepts a single, non-hidden path segment.
//
// # Description
//
// The project id names the workspace directory, so it must not contain a
// separator, must not be "." or "..", and must not start with a dot. Any
// other printable text is allowed because ids come from an upstream system
// that already assigns them.
//
// # Inputs
//
//   - fl: Validator field level containing the id.
//
// # Outputs
//
//   - bool: true if the id is usable as a directory name.
func validateProjectID(fl validator.FieldLevel) bool {
	return IsValidProjectID(fl.Field().String())
}

// IsValidProjectID reports whether id is a safe workspace directory name.
func IsValidProjectID(id string) bool {
	if id == "" || len(id) > MaxProjectIDLength {
		return false
	}
	if strings.HasPrefix(id, ".") {
		return false
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// =============================================================================
// Launch Request Types
// =============================================================================

// GeneratedFile is one file of a bundle.
//
// # Fields
//
//   - Path: Slash-separated path relative to the workspace root.
//   - Content: Full file content as text.
type GeneratedFile struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// CleanPath returns the slash-cleaned relative path and whether it stays
// inside the workspace. Absolute paths and paths climbing above the root
// are rejected.
func (f GeneratedFile) CleanPath() (string, bool) {
	p := strings.ReplaceAll(f.Path, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// LaunchRequest is the body of POST /v1/launch.
//
// # Description
//
// A bundle of generated source files for one project. The launcher writes
// the files, provisions the project and starts it on the service port.
//
// # Validation
//
// Uses go-playground/validator:
//   - ProjectID: required, a single safe path segment
//   - Files: required, 1..MaxFilesPerBundle elements, each with a path
//
// # Assumptions
//
//   - File paths are relative and slash-separated
type LaunchRequest struct {
	ProjectID string          `json:"projectId" validate:"required,projectid"`
	Files     []GeneratedFile `json:"files" validate:"required,min=1,max=5000,dive"`
}

// Validate validates the LaunchRequest fields.
func (r *LaunchRequest) Validate() error {
	return launchValidate.Struct(r)
}

// ProjectRequest is the body of stop and delete.
type ProjectRequest struct {
	ProjectID string `json:"projectId" form:"projectId" validate:"required,projectid"`
}

// Validate validates the ProjectRequest fields.
func (r *ProjectRequest) Validate() error {
	return launchValidate.Struct(r)
}

// =============================================================================
// Launch Event Types
// =============================================================================

// Stage names a step of the launch pipeline.
type Stage string

const (
	StageWritingFiles           Stage = "WritingFiles"
	StageInstallingDependencies Stage = "InstallingDependencies"
	StageGeneratingSchema       Stage = "GeneratingSchema"
	StageProvisioningStorage    Stage = "ProvisioningStorage"
	StageReconcilingPort        Stage = "ReconcilingPort"
	StageStarting               Stage = "Starting"
	StageAwaitingReady          Stage = "AwaitingReady"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageWritingFiles,
	StageInstallingDependencies,
	StageGeneratingSchema,
	StageProvisioningStorage,
	StageReconcilingPort,
	StageStarting,
	StageAwaitingReady,
}

// EventType discriminates LaunchEvent.
type EventType string

const (
	EventProgress EventType = "progress"
	EventReady    EventType = "ready"
	EventError    EventType = "error"
)

// LaunchEvent is one element of the launch progress stream.
//
// # Description
//
// A launch produces zero or more progress events followed by exactly one
// terminal event: ready (with the port) or error (with a message). The
// same struct is the SSE data payload.
//
// # Fields
//
//   - Type: progress, ready or error.
//   - Stage, Detail: progress only.
//   - Port: ready only.
//   - Message: error only.
//   - Id: UUID v4 of this event.
//   - LaunchID: UUID v4 shared by every event of one launch.
//   - CreatedAt: Unix milliseconds.
//   - Hash, PrevHash: SHA-256 chain set by the SSE writer.
type LaunchEvent struct {
	Type      EventType `json:"type"`
	Stage     Stage     `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Port      int       `json:"port,omitempty"`
	Message   string    `json:"message,omitempty"`
	Id        string    `json:"id,omitempty"`
	LaunchID  string    `json:"launch_id,omitempty"`
	CreatedAt int64     `json:"created_at,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	PrevHash  string    `json:"prev_hash,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e LaunchEvent) Terminal() bool {
	return e.Type == EventReady || e.Type == EventError
}

// NewProgressEvent builds a progress event.
func NewProgressEvent(stage Stage, detail string) LaunchEvent {
	return LaunchEvent{Type: EventProgress, Stage: stage, Detail: detail}
}

// NewReadyEvent builds the success terminal event.
func NewReadyEvent(port int) LaunchEvent {
	return LaunchEvent{Type: EventReady, Port: port}
}

// NewErrorEvent builds the failure terminal event.
func NewErrorEvent(message string) LaunchEvent {
	return LaunchEvent{Type: EventError, Message: message}
}

// =============================================================================
// Lifecycle Response Types
// =============================================================================

// StatusResponse is returned by GET /v1/launch/status. Port is null when the
// project is not running.
type StatusResponse struct {
	Running bool `json:"running"`
	Port    *int `json:"port"`
}

// StopResponse is returned by POST /v1/launch/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// DeleteResponse is returned by DELETE /v1/launch/delete.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// ListEntry describes one workspace directory.
type ListEntry struct {
	ProjectID string `json:"projectId"`
	Running   bool   `json:"running"`
	Port      *int   `json:"port"`
	SizeKB    int64  `json:"sizeKb"`
}

// PortPtr returns a pointer to port, or nil when running is false.
func PortPtr(running bool, port int) *int {
	if !running {
		return nil
	}
	p := port
	return &p
}
