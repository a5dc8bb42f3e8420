// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the launcher service.
//
// A launch installs dependencies and restarts the shared service port, so
// the launch endpoint is throttled with a token bucket:
//
//	Request
//	   │
//	   ▼
//	RateLimit ──► limiter.Allow() == false ──► 429 + Retry-After
//	   │
//	   ▼
//	Handler
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// NewLimiter builds the token bucket for RateLimit.
//
// # Inputs
//
//   - perSec: sustained requests per second. <= 0 means unlimited.
//   - burst: bucket size. Values below 1 are raised to 1.
//
// # Outputs
//
//   - *rate.Limiter: nil when perSec <= 0.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// RateLimit creates a Gin middleware that rejects requests beyond the
// limiter's rate with 429 Too Many Requests.
//
// # Description
//
// The response carries a Retry-After header with the whole seconds until a
// token is available. A nil limiter lets every request through.
//
// # Inputs
//
//   - limiter: shared across all requests on the route.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin.
//
// # Thread Safety
//
// rate.Limiter is safe for concurrent use.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		now := time.Now()
		r := limiter.ReserveN(now, 1)
		if !r.OK() {
			abortTooMany(c, time.Second)
			return
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			abortTooMany(c, delay)
			return
		}
		c.Next()
	}
}

func abortTooMany(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "too many launch requests",
	})
}
