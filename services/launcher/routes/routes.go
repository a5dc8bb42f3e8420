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
	"net/http"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/handlers"
	"github.com/AleutianAI/AleutianLaunch/services/launcher/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRoutes registers the launcher API on router.
//
// A nil metrics handler serves the default Prometheus registry. A nil
// limiter leaves launches unthrottled.
func SetupRoutes(router *gin.Engine, h *handlers.LaunchHandler, limiter *rate.Limiter, metrics http.Handler) {
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		launch := v1.Group("/launch")
		{
			launch.POST("", middleware.RateLimit(limiter), h.HandleLaunch)
			launch.GET("/status", h.HandleStatus)
			launch.POST("/stop", h.HandleStop)
			launch.DELETE("/delete", h.HandleDelete)
			launch.GET("/list", h.HandleList)
			launch.GET("/logs", h.HandleLogs)
		}
	}
}
