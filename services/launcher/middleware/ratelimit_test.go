// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(limiter *rate.Limiter) *gin.Engine {
	router := gin.New()
	router.POST("/launch", RateLimit(limiter), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hit(router *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/launch", nil))
	return w
}

func TestRateLimit_AllowsBurstThenRejects(t *testing.T) {
	router := newRouter(NewLimiter(0.001, 2))

	assert.Equal(t, http.StatusOK, hit(router).Code)
	assert.Equal(t, http.StatusOK, hit(router).Code)

	w := hit(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"too many launch requests"}`, w.Body.String())
}

func TestRateLimit_RejectedRequestsDoNotConsumeTokens(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	router := newRouter(limiter)

	assert.Equal(t, http.StatusOK, hit(router).Code)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusTooManyRequests, hit(router).Code)
	}
	assert.InDelta(t, 0, limiter.Tokens(), 0.01)
}

func TestRateLimit_NilLimiterAllowsAll(t *testing.T) {
	router := newRouter(nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, hit(router).Code)
	}
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 5))
	assert.Nil(t, NewLimiter(-1, 5))

	l := NewLimiter(2, 0)
	if assert.NotNil(t, l) {
		assert.Equal(t, 1, l.Burst())
		assert.Equal(t, rate.Limit(2), l.Limit())
	}
}
