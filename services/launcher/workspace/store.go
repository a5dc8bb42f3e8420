// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace manages the per-project directories under the launcher's
// workspace root: writing bundles, the environment file, the service log,
// directory sizes and removal.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLogTailLines is how many non-empty log lines go into failure messages.
	DefaultLogTailLines = 8

	// sizeScanConcurrency bounds concurrent directory walks in List.
	sizeScanConcurrency = 4

	// tailReadLimit is how much of the end of the log LogTail inspects.
	tailReadLimit = 64 * 1024
)

// ErrInvalidPath is returned when a bundle file would land outside the workspace.
var ErrInvalidPath = errors.New("invalid path")

// =============================================================================
// Store
// =============================================================================

// Store owns the workspace root.
//
// # Description
//
// Every project gets <root>/<projectId>/. The Store never decides whether a
// project is running; it only deals with files.
//
// # Thread Safety
//
// Methods are safe for concurrent use. Writes for the same project from
// two launches are not coordinated here; the launch manager guards that.
type Store struct {
	root        string
	envFileName string
	logFileName string
}

// Options configures a Store.
type Options struct {
	Root        string
	EnvFileName string
	LogFileName string
}

// NewStore creates a Store. The root is not created until first write.
func NewStore(opts Options) *Store {
	if opts.EnvFileName == "" {
		opts.EnvFileName = ".env"
	}
	if opts.LogFileName == "" {
		opts.LogFileName = "app.log"
	}
	return &Store{
		root:        filepath.Clean(opts.Root),
		envFileName: opts.EnvFileName,
		logFileName: opts.LogFileName,
	}
}

// Root returns the workspace root.
func (s *Store) Root() string { return s.root }

// Dir returns the workspace directory of a project.
func (s *Store) Dir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// LogPath returns the service log of a project.
func (s *Store) LogPath(projectID string) string {
	return filepath.Join(s.Dir(projectID), s.logFileName)
}

// EnvPath returns the environment file of a project.
func (s *Store) EnvPath(projectID string) string {
	return filepath.Join(s.Dir(projectID), s.envFileName)
}

// Exists reports whether the project directory exists.
func (s *Store) Exists(projectID string) bool {
	info, err := os.Stat(s.Dir(projectID))
	return err == nil && info.IsDir()
}

// WriteBundle writes every file of the bundle into the project directory.
//
// # Description
//
// Creates the project directory and any intermediate directories, then
// writes each file, overwriting existing ones. Files already in the
// directory that are not part of the bundle are left alone (node_modules
// survives a relaunch).
//
// # Inputs
//
//   - projectID: Target directory name (already validated).
//   - files: Bundle contents.
//
// # Outputs
//
//   - string: The project directory.
//   - error: Non-nil on the first path or write failure; the error text names
//     the offending file.
func (s *Store) WriteBundle(projectID string, files []datatypes.GeneratedFile) (string, error) {
	dir := s.Dir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return dir, fmt.Errorf("create workspace %s: %w", dir, err)
	}

	for _, f := range files {
		rel, ok := f.CleanPath()
		if !ok {
			return dir, fmt.Errorf("%w: %q", ErrInvalidPath, f.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return dir, fmt.Errorf("create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0644); err != nil {
			return dir, fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return dir, nil
}

// WriteEnv writes the environment file with exactly two entries.
func (s *Store) WriteEnv(projectID, databaseURL string, port int) error {
	content := fmt.Sprintf("DATABASE_URL=%s\nPORT=%d\n", databaseURL, port)
	if err := os.WriteFile(s.EnvPath(projectID), []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.envFileName, err)
	}
	return nil
}

// OpenLog opens the service log for appending, creating it if needed.
func (s *Store) OpenLog(projectID string) (*os.File, error) {
	f, err := os.OpenFile(s.LogPath(projectID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.logFileName, err)
	}
	return f, nil
}

// LogTail returns the last n non-empty lines of the service log joined with
// " | ". A missing or unreadable log yields "".
func (s *Store) LogTail(projectID string, n int) string {
	if n <= 0 {
		return ""
	}
	tail, err := readTail(s.LogPath(projectID), n)
	if err != nil {
		return ""
	}
	lines := tail.lines
	if strings.TrimSpace(tail.partial) != "" {
		lines = append(lines, tail.partial)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, " | ")
}

// TailLines returns up to n trailing non-empty complete lines of the service
// log and the offset just past the last of them. Reading the log from that
// offset yields exactly what was not returned.
func (s *Store) TailLines(projectID string, n int) ([]string, int64, error) {
	tail, err := readTail(s.LogPath(projectID), n)
	if err != nil {
		return nil, 0, err
	}
	return tail.lines, tail.end, nil
}

// Remove deletes the project directory recursively. A missing directory is
// not an error.
func (s *Store) Remove(projectID string) error {
	dir := s.Dir(projectID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// =============================================================================
// Listing
// =============================================================================

// Entry is one project directory with its size.
type Entry struct {
	ProjectID string
	SizeBytes int64
}

// SizeKB rounds the byte size to the nearest kilobyte.
func (e Entry) SizeKB() int64 {
	return RoundKB(e.SizeBytes)
}

// RoundKB rounds bytes/1024 half away from zero.
func RoundKB(bytes int64) int64 {
	return (bytes + 512) / 1024
}

// List returns every project directory under the root, sorted by id.
//
// # Description
//
// Only directories count as projects; stray files at the root are ignored.
// Sizes are the sum of regular file sizes underneath each directory.
// Unreadable entries are skipped. A missing root yields an empty slice.
// Directory walks run concurrently (bounded).
//
// # Inputs
//
//   - ctx: Cancels outstanding walks.
//
// # Outputs
//
//   - []Entry: Sorted by ProjectID. Never nil.
//   - error: Non-nil only if the root exists but cannot be read, or ctx ends.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	dirents, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	var (
		mu      sync.Mutex
		entries = make([]Entry, 0, len(dirents))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sizeScanConcurrency)

	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		g.Go(func() error {
			size, err := DirSize(gctx, filepath.Join(s.root, id))
			if err != nil {
				return err
			}
			mu.Lock()
			entries = append(entries, Entry{ProjectID: id, SizeBytes: size})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ProjectID < entries[j].ProjectID })
	return entries, nil
}

// DirSize sums the sizes of regular files under dir, skipping anything that
// cannot be read. Symlinks are not followed.
func DirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return 0, err
	}
	return total, nil
}

// =============================================================================
// Helpers
// =============================================================================

// logTail is the end of a log as seen by one read.
type logTail struct {
	// lines are the trailing non-empty complete lines.
	lines []string

	// partial is a final line not yet terminated by a newline.
	partial string

	// end is the offset just past the last complete line.
	end int64
}

// readTail reads the last tailReadLimit bytes of the file at p in a single
// open, keeping up to n trailing non-empty lines.
func readTail(p string, n int) (logTail, error) {
	f, err := os.Open(p)
	if err != nil {
		return logTail{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return logTail{}, err
	}
	size := info.Size()
	start := max(size-tailReadLimit, 0)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return logTail{}, err
	}
	data, err := io.ReadAll(io.LimitReader(f, size-start))
	if err != nil {
		return logTail{}, err
	}
	if start > 0 {
		// partial line after the seek
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return logTail{end: size}, nil
		}
		data = data[i+1:]
	}

	tail := logTail{end: size}
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		tail.partial = strings.TrimRight(string(data[i+1:]), "\r")
		tail.end = size - int64(len(data)-i-1)
		data = data[:i+1]
	}
	if n <= 0 {
		return tail, nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail.lines = append(tail.lines, line)
		if len(tail.lines) > n {
			tail.lines = tail.lines[1:]
		}
	}
	return tail, nil
}
