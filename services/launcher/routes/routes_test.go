// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/handlers"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
)

// stubLauncher answers every lifecycle call and rejects launches as invalid.
type stubLauncher struct{}

func (stubLauncher) Launch(context.Context, datatypes.LaunchRequest) (<-chan datatypes.LaunchEvent, error) {
	ch := make(chan datatypes.LaunchEvent, 1)
	ch <- datatypes.NewReadyEvent(3001)
	close(ch)
	return ch, nil
}
func (stubLauncher) Status(string) datatypes.StatusResponse { return datatypes.StatusResponse{} }
func (stubLauncher) Stop(string) datatypes.StopResponse     { return datatypes.StopResponse{Stopped: true} }
func (stubLauncher) Delete(string) datatypes.DeleteResponse {
	return datatypes.DeleteResponse{Deleted: true}
}
func (stubLauncher) List(context.Context) ([]datatypes.ListEntry, error) {
	return []datatypes.ListEntry{}, nil
}
func (stubLauncher) FollowLog(context.Context, string, int, func(string) error) error { return nil }

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	reg := prometheus.NewRegistry()
	SetupRoutes(router,
		handlers.NewLaunchHandler(stubLauncher{}, handlers.HandlerOptions{}),
		middleware.NewLimiter(0.001, 1),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router
}

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := newRouter()

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/v1/launch/status?projectId=p1", "", http.StatusOK},
		{http.MethodPost, "/v1/launch/stop", `{"projectId":"p1"}`, http.StatusOK},
		{http.MethodDelete, "/v1/launch/delete?projectId=p1", "", http.StatusOK},
		{http.MethodGet, "/v1/launch/list", "", http.StatusOK},
		{http.MethodGet, "/v1/launch/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSetupRoutes_LaunchIsRateLimited(t *testing.T) {
	router := newRouter()
	body := `{"projectId":"p1","files":[{"path":"a.ts","content":""}]}`

	post := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/launch", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
}
