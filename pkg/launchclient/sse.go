// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launchclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
)

// maxEventBytes bounds one SSE line. Tool output lines can be long.
const maxEventBytes = 1 << 20

// EventCallback receives each decoded launch event. Returning an error
// stops the read.
type EventCallback func(event datatypes.LaunchEvent) error

// ReadEvents decodes a launch event stream.
//
// # Description
//
// Handles the subset of Server-Sent Events the launcher emits:
//
//   - "event: <type>" names the next event.
//   - "data: <json>" carries the payload; it is decoded and delivered.
//   - ":" lines are keep-alive comments and are skipped.
//   - Blank lines delimit events.
//
// When the JSON payload has no type, the preceding event name is used.
//
// # Outputs
//
//   - datatypes.LaunchEvent: The terminal (ready or error) event.
//   - error: ctx errors, malformed JSON, callback errors, or
//     io.ErrUnexpectedEOF when the stream ends without a terminal event.
func ReadEvents(ctx context.Context, r io.Reader, cb EventCallback) (datatypes.LaunchEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var name string
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return datatypes.LaunchEvent{}, err
		}

		line := scanner.Text()
		switch {
		case line == "":
			name = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var ev datatypes.LaunchEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return datatypes.LaunchEvent{}, fmt.Errorf("decode launch event: %w", err)
			}
			if ev.Type == "" {
				ev.Type = datatypes.EventType(name)
			}
			if cb != nil {
				if err := cb(ev); err != nil {
					return ev, err
				}
			}
			if ev.Terminal() {
				return ev, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return datatypes.LaunchEvent{}, fmt.Errorf("read launch stream: %w", err)
	}
	return datatypes.LaunchEvent{}, io.ErrUnexpectedEOF
}
