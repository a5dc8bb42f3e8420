// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// logPollInterval is how often the log is re-read without a notification.
const logPollInterval = 2 * time.Second

// FollowLog streams projectID's service log to send.
//
// # Description
//
// Sends up to backlog trailing non-empty lines first, then every line
// appended afterwards, until ctx ends or send fails. A log that does not
// exist yet is picked up when the service creates it; a truncated log is
// re-read from the start.
//
// # Inputs
//
//   - ctx: Ends the follow.
//   - projectID: Project whose app.log to follow.
//   - backlog: Number of existing lines to replay first.
//   - send: Called once per line, sequentially.
//
// # Outputs
//
//   - error: ErrUnknownProject if there is no workspace, the first send
//     error, or a watcher failure. nil when ctx ends.
func (m *Manager) FollowLog(ctx context.Context, projectID string, backlog int, send func(line string) error) error {
	m.metrics.RecordLifecycle("logs")
	if !m.store.Exists(projectID) {
		return ErrUnknownProject
	}
	path := m.store.LogPath(projectID)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	lines, end, err := m.store.TailLines(projectID, backlog)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read log: %w", err)
	}
	f := &logFollower{path: path, offset: end}
	for _, line := range lines {
		if err := send(line); err != nil {
			return err
		}
	}
	if err := f.pump(send); err != nil {
		return err
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				f.reset()
				continue
			}
			if err := f.pump(send); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher: %w", err)
		case <-ticker.C:
			if err := f.pump(send); err != nil {
				return err
			}
		}
	}
}

// logFollower tracks how much of a log file has been sent.
type logFollower struct {
	path    string
	offset  int64
	partial []byte
}

func (f *logFollower) reset() {
	f.offset = 0
	f.partial = nil
}

// pump sends every complete line written since the last call.
func (f *logFollower) pump(send func(string) error) error {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	if info.Size() < f.offset {
		f.reset()
	}
	if info.Size() == f.offset {
		return nil
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	chunk, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	f.offset += int64(len(chunk))

	buf := append(f.partial, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(buf[:i], "\r"))
		buf = buf[i+1:]
		if len(bytes.TrimSpace([]byte(line))) == 0 {
			continue
		}
		if err := send(line); err != nil {
			return err
		}
	}
	f.partial = append([]byte(nil), buf...)
	return nil
}
