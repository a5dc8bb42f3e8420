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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes launch events to an HTTP response as Server-Sent Events.
//
// # Description
//
// Every event is framed as
//
//	event: <type>
//	data: <json>
//
// followed by a blank line and flushed immediately so the client sees each
// stage as it happens. Events are chained: Hash is the SHA-256 of the
// event content and PrevHash links to the event written before it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat goroutine
// writes keep-alives while the handler writes events.
type SSEWriter interface {
	// WriteEvent writes one event. Id and CreatedAt are kept when already
	// set and filled in otherwise; Hash and PrevHash are always recomputed.
	WriteEvent(event datatypes.LaunchEvent) error

	// WriteKeepAlive writes an SSE comment. Not part of the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	mu       sync.Mutex
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
}

// Compile-time interface check.
var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter creates an SSEWriter for the response.
//
// # Inputs
//
//   - w: ResponseWriter; must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready-to-use writer.
//   - error: Non-nil if w does not support flushing.
//
// # Assumptions
//
//   - SetSSEHeaders has been called before the first write.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.LaunchEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().UnixMilli()
	}
	event.PrevHash = w.prevHash
	event.Hash = ""
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every content field plus the chain link.
// Called with Hash empty.
func computeEventHash(event datatypes.LaunchEvent) string {
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.LaunchID,
		event.Stage,
		event.Detail,
		event.Port,
		event.Message,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// # Limitations
//
//   - Must be called before any writes to ResponseWriter.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// VerifyEventChain checks that events form an unbroken hash chain.
//
// # Outputs
//
//   - int: Index of the first broken event, or -1 if the chain is intact.
func VerifyEventChain(events []datatypes.LaunchEvent) int {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return i
		}
		want := ev.Hash
		ev.Hash = ""
		if computeEventHash(ev) != want {
			return i
		}
		prev = want
	}
	return -1
}
