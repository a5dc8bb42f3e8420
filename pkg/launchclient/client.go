// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package launchclient is a Go client for the launcher HTTP API.
//
// Launch streams events through a callback; the lifecycle calls return the
// server's JSON documents; FollowLogs tails a project's app.log over a
// WebSocket.
package launchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/gorilla/websocket"
)

// DefaultBaseURL is the launcher's default listen address.
const DefaultBaseURL = "http://localhost:12220"

// closeUnknownProject mirrors the server's close code for a missing workspace.
const closeUnknownProject = 4404

// ErrUnknownProject is returned by FollowLogs when no workspace exists.
var ErrUnknownProject = errors.New("unknown project")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("launcher returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// LaunchFailedError is returned by Launch when the stream ends with an
// error event.
type LaunchFailedError struct {
	Message string
}

func (e *LaunchFailedError) Error() string { return e.Message }

// Client talks to one launcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Launch streams can last minutes,
// so it should have no overall timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for baseURL (DefaultBaseURL when empty).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the launcher address.
func (c *Client) BaseURL() string { return c.baseURL }

// Launch posts a bundle and streams its events to cb.
//
// # Outputs
//
//   - int: The service port on success.
//   - error: *APIError when the request is rejected (400, 409, 429),
//     *LaunchFailedError when the pipeline reports an error event, or a
//     transport error.
func (c *Client) Launch(ctx context.Context, req datatypes.LaunchRequest, cb EventCallback) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encode launch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/launch", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build launch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("launch request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readAPIError(resp)
	}

	final, err := ReadEvents(ctx, resp.Body, cb)
	if err != nil {
		return 0, err
	}
	if final.Type == datatypes.EventError {
		return 0, &LaunchFailedError{Message: final.Message}
	}
	return final.Port, nil
}

// Status reports whether projectID is running.
func (c *Client) Status(ctx context.Context, projectID string) (datatypes.StatusResponse, error) {
	var out datatypes.StatusResponse
	q := url.Values{"projectId": {projectID}}
	err := c.doJSON(ctx, http.MethodGet, "/v1/launch/status?"+q.Encode(), nil, &out)
	return out, err
}

// Stop stops projectID's service.
func (c *Client) Stop(ctx context.Context, projectID string) (datatypes.StopResponse, error) {
	var out datatypes.StopResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/launch/stop", datatypes.ProjectRequest{ProjectID: projectID}, &out)
	return out, err
}

// Delete stops projectID and removes its workspace.
func (c *Client) Delete(ctx context.Context, projectID string) (datatypes.DeleteResponse, error) {
	var out datatypes.DeleteResponse
	err := c.doJSON(ctx, http.MethodDelete, "/v1/launch/delete", datatypes.ProjectRequest{ProjectID: projectID}, &out)
	return out, err
}

// List describes every workspace.
func (c *Client) List(ctx context.Context) ([]datatypes.ListEntry, error) {
	var out []datatypes.ListEntry
	err := c.doJSON(ctx, http.MethodGet, "/v1/launch/list", nil, &out)
	return out, err
}

// FollowLogs streams projectID's app.log lines to cb until ctx ends, the
// server closes the connection or cb returns an error.
func (c *Client) FollowLogs(ctx context.Context, projectID string, cb func(line string) error) error {
	u, err := url.Parse(c.baseURL + "/v1/launch/logs")
	if err != nil {
		return fmt.Errorf("parse launcher url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"projectId": {projectID}}.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return readAPIError(resp)
		}
		return fmt.Errorf("connect to log stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case websocket.IsCloseError(err, closeUnknownProject):
				return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if err := cb(string(msg)); err != nil {
			return err
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
