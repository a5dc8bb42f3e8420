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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/launch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

// fakeLauncher implements Launcher with scripted responses.
type fakeLauncher struct {
	mu sync.Mutex

	launchEvents []datatypes.LaunchEvent
	launchErr    error
	launchDelay  time.Duration
	launched     []datatypes.LaunchRequest

	status  map[string]int
	stopped []string
	deleted []string

	list    []datatypes.ListEntry
	listErr error

	logLines []string
	logErr   error
}

var _ Launcher = (*fakeLauncher)(nil)

func (f *fakeLauncher) Launch(ctx context.Context, req datatypes.LaunchRequest) (<-chan datatypes.LaunchEvent, error) {
	f.mu.Lock()
	f.launched = append(f.launched, req)
	f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	ch := make(chan datatypes.LaunchEvent)
	go func() {
		defer close(ch)
		if f.launchDelay > 0 {
			time.Sleep(f.launchDelay)
		}
		for _, ev := range f.launchEvents {
			ch <- ev
		}
	}()
	return ch, nil
}

func (f *fakeLauncher) Status(projectID string) datatypes.StatusResponse {
	port, ok := f.status[projectID]
	return datatypes.StatusResponse{Running: ok, Port: datatypes.PortPtr(ok, port)}
}

func (f *fakeLauncher) Stop(projectID string) datatypes.StopResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, projectID)
	return datatypes.StopResponse{Stopped: true}
}

func (f *fakeLauncher) Delete(projectID string) datatypes.DeleteResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, projectID)
	return datatypes.DeleteResponse{Deleted: true}
}

func (f *fakeLauncher) List(ctx context.Context) ([]datatypes.ListEntry, error) {
	return f.list, f.listErr
}

func (f *fakeLauncher) FollowLog(ctx context.Context, projectID string, backlog int, send func(line string) error) error {
	if f.logErr != nil {
		return f.logErr
	}
	for _, line := range f.logLines {
		if err := send(line); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func newTestRouter(f *fakeLauncher, opts HandlerOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewLaunchHandler(f, opts)
	router := gin.New()
	router.GET("/health", HealthCheck)
	router.POST("/v1/launch", h.HandleLaunch)
	router.GET("/v1/launch/status", h.HandleStatus)
	router.POST("/v1/launch/stop", h.HandleStop)
	router.DELETE("/v1/launch/delete", h.HandleDelete)
	router.GET("/v1/launch/list", h.HandleList)
	router.GET("/v1/launch/logs", h.HandleLogs)
	return router
}

const validLaunchBody = `{"projectId":"p1","files":[{"path":"src/app.ts","content":"x"}]}`

// parseSSE splits an SSE body into (event name, decoded data) pairs.
func parseSSE(t *testing.T, body string) ([]string, []datatypes.LaunchEvent) {
	t.Helper()
	var names []string
	var events []datatypes.LaunchEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var ev datatypes.LaunchEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, ev)
		}
	}
	return names, events
}

// =============================================================================
// Launch Tests
// =============================================================================

func TestHandleLaunch_StreamsEvents(t *testing.T) {
	f := &fakeLauncher{launchEvents: []datatypes.LaunchEvent{
		datatypes.NewProgressEvent(datatypes.StageWritingFiles, "1 files → /tmp/p1"),
		datatypes.NewProgressEvent(datatypes.StageInstallingDependencies, "npm install"),
		datatypes.NewReadyEvent(3000),
	}}
	router := newTestRouter(f, HandlerOptions{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/launch", strings.NewReader(validLaunchBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	names, events := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{"progress", "progress", "ready"}, names)
	require.Len(t, events, 3)
	assert.Equal(t, datatypes.StageWritingFiles, events[0].Stage)
	assert.Equal(t, 3000, events[2].Port)
	assert.Equal(t, -1, VerifyEventChain(events), "hash chain should be intact")
	for _, ev := range events {
		assert.NotEmpty(t, ev.Id)
		assert.NotZero(t, ev.CreatedAt)
	}

	require.Len(t, f.launched, 1)
	assert.Equal(t, "p1", f.launched[0].ProjectID)
}

func TestHandleLaunch_ErrorEventEndsStream(t *testing.T) {
	f := &fakeLauncher{launchEvents: []datatypes.LaunchEvent{
		datatypes.NewProgressEvent(datatypes.StageInstallingDependencies, "npm install"),
		datatypes.NewErrorEvent("npm failed (exit 1): npm ERR! code ENOLOCK"),
	}}
	router := newTestRouter(f, HandlerOptions{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/launch", strings.NewReader(validLaunchBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	names, events := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{"progress", "error"}, names)
	assert.Equal(t, "npm failed (exit 1): npm ERR! code ENOLOCK", events[1].Message)
}

func TestHandleLaunch_WritesHeartbeats(t *testing.T) {
	f := &fakeLauncher{
		launchEvents: []datatypes.LaunchEvent{datatypes.NewReadyEvent(3000)},
		launchDelay:  60 * time.Millisecond,
	}
	router := newTestRouter(f, HandlerOptions{HeartbeatInterval: 5 * time.Millisecond})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/launch", strings.NewReader(validLaunchBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), ": ping\n\n")
	names, _ := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{"ready"}, names)
}

func TestHandleLaunch_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		launchErr  error
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed json",
			body:       `{"projectId":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "projectId and files are required",
		},
		{
			name:       "validation error",
			body:       `{"projectId":"p1","files":[]}`,
			launchErr:  &launch.ValidationError{Err: errors.New("files: min")},
			wantStatus: http.StatusBadRequest,
			wantError:  "projectId and files are required",
		},
		{
			name:       "already launching",
			body:       validLaunchBody,
			launchErr:  launch.ErrLaunchInProgress,
			wantStatus: http.StatusConflict,
			wantError:  launch.ErrLaunchInProgress.Error(),
		},
		{
			name:       "shutting down",
			body:       validLaunchBody,
			launchErr:  errors.New("launcher is shutting down: context canceled"),
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "launcher is shutting down: context canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeLauncher{launchErr: tt.launchErr}, HandlerOptions{})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/launch", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp["error"])
		})
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHandleStatus(t *testing.T) {
	router := newTestRouter(&fakeLauncher{status: map[string]int{"p1": 3000}}, HandlerOptions{})

	t.Run("running", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/status?projectId=p1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"running":true,"port":3000}`, w.Body.String())
	})

	t.Run("not running", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/status?projectId=p2", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"running":false,"port":null}`, w.Body.String())
	})

	t.Run("missing project id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/status", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"projectId is required"}`, w.Body.String())
	})
}

func TestHandleStop(t *testing.T) {
	f := &fakeLauncher{}
	router := newTestRouter(f, HandlerOptions{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/launch/stop", strings.NewReader(`{"projectId":"p1"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stopped":true}`, w.Body.String())
	assert.Equal(t, []string{"p1"}, f.stopped)
}

func TestHandleDelete(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		f := &fakeLauncher{}
		router := newTestRouter(f, HandlerOptions{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/v1/launch/delete", strings.NewReader(`{"projectId":"p1"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"deleted":true}`, w.Body.String())
		assert.Equal(t, []string{"p1"}, f.deleted)
	})

	t.Run("query parameter", func(t *testing.T) {
		f := &fakeLauncher{}
		router := newTestRouter(f, HandlerOptions{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/launch/delete?projectId=p2", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"p2"}, f.deleted)
	})

	t.Run("escaping id is rejected", func(t *testing.T) {
		f := &fakeLauncher{}
		router := newTestRouter(f, HandlerOptions{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/launch/delete?projectId=..%2Fetc", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.deleted)
	})
}

func TestHandleList(t *testing.T) {
	port := 3000
	f := &fakeLauncher{list: []datatypes.ListEntry{
		{ProjectID: "a", Running: true, Port: &port, SizeKB: 12},
		{ProjectID: "b", SizeKB: 0},
	}}
	router := newTestRouter(f, HandlerOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/list", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[
		{"projectId":"a","running":true,"port":3000,"sizeKb":12},
		{"projectId":"b","running":false,"port":null,"sizeKb":0}
	]`, w.Body.String())
}

func TestHandleList_Error(t *testing.T) {
	router := newTestRouter(&fakeLauncher{listErr: errors.New("disk gone")}, HandlerOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/list", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(&fakeLauncher{}, HandlerOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

// =============================================================================
// Log Follow Tests
// =============================================================================

func dialLogs(t *testing.T, server *httptest.Server, projectID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/launch/logs?projectId=" + projectID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestHandleLogs_StreamsLines(t *testing.T) {
	f := &fakeLauncher{logLines: []string{"listening on 3000", "GET /health 200"}}
	server := httptest.NewServer(newTestRouter(f, HandlerOptions{}))
	defer server.Close()

	ws := dialLogs(t, server, "p1")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	for _, want := range f.logLines {
		kind, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, want, string(msg))
	}
}

func TestHandleLogs_UnknownProjectCloses(t *testing.T) {
	f := &fakeLauncher{logErr: launch.ErrUnknownProject}
	server := httptest.NewServer(newTestRouter(f, HandlerOptions{}))
	defer server.Close()

	ws := dialLogs(t, server, "ghost")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, closeUnknownProject), "unexpected error: %v", err)
}

func TestHandleLogs_MissingProjectID(t *testing.T) {
	router := newTestRouter(&fakeLauncher{}, HandlerOptions{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/launch/logs", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// SSE Writer Tests
// =============================================================================

func TestSSEWriter_KeepsPipelineIdentity(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := NewSSEWriter(w)
	require.NoError(t, err)

	ev := datatypes.NewReadyEvent(3000)
	ev.Id = "evt-1"
	ev.LaunchID = "launch-1"
	ev.CreatedAt = 42
	require.NoError(t, sse.WriteEvent(ev))

	_, events := parseSSE(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].Id)
	assert.Equal(t, "launch-1", events[0].LaunchID)
	assert.Equal(t, int64(42), events[0].CreatedAt)
	assert.Empty(t, events[0].PrevHash)
	assert.Len(t, events[0].Hash, 64)
}

func TestVerifyEventChain_DetectsTampering(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := NewSSEWriter(w)
	require.NoError(t, err)
	require.NoError(t, sse.WriteEvent(datatypes.NewProgressEvent(datatypes.StageInstallingDependencies, "npm install")))
	require.NoError(t, sse.WriteEvent(datatypes.NewReadyEvent(3000)))

	_, events := parseSSE(t, w.Body.String())
	require.Equal(t, -1, VerifyEventChain(events))

	events[0].Detail = "rm -rf /"
	assert.Equal(t, 0, VerifyEventChain(events))
}
