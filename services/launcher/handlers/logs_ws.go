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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/launch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// closeUnknownProject is the close code sent when no workspace exists.
const closeUnknownProject = 4404

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleLogs handles GET /v1/launch/logs?projectId=X.
//
// # Description
//
// Upgrades to a WebSocket, replays the tail of the project's app.log and
// then sends every appended line as a text frame until the client closes
// the connection.
//
// # Limitations
//
//   - Incoming messages are read and discarded; the reader only exists to
//     notice the close.
func (h *LaunchHandler) HandleLogs(c *gin.Context) {
	req, ok := h.bindProject(c, false)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade log connection", "project_id", req.ProjectID, "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.launcher.FollowLog(ctx, req.ProjectID, h.backlog, func(line string) error {
		return ws.WriteMessage(websocket.TextMessage, []byte(line))
	})

	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(err, launch.ErrUnknownProject):
		code, reason = closeUnknownProject, err.Error()
	case err != nil:
		h.logger.Warn("log follow ended", "project_id", req.ProjectID, "error", err)
		code, reason = websocket.CloseInternalServerErr, "log follow failed"
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
