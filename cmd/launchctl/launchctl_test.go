// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Harness
// =============================================================================

// execute runs launchctl with args and captures its output. Flag state left
// over from a previous run is reset first.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	bundlePath, bundleDir, followLogs, jsonOutput = "", "", false, false
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// fakeLauncher serves the launcher API with canned answers.
func fakeLauncher(t *testing.T, launchEvents []datatypes.LaunchEvent) (*httptest.Server, *datatypes.LaunchRequest) {
	t.Helper()
	received := &datatypes.LaunchRequest{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/launch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(received)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range launchEvents {
			data, _ := json.Marshal(ev)
			_, _ = io.WriteString(w, "event: "+string(ev.Type)+"\ndata: "+string(data)+"\n\n")
		}
	})
	mux.HandleFunc("/v1/launch/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("projectId") == "p1" {
			_, _ = io.WriteString(w, `{"running":true,"port":3001}`)
			return
		}
		_, _ = io.WriteString(w, `{"running":false,"port":null}`)
	})
	mux.HandleFunc("/v1/launch/stop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"stopped":true}`)
	})
	mux.HandleFunc("/v1/launch/delete", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"deleted":true}`)
	})
	mux.HandleFunc("/v1/launch/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"projectId":"p1","running":true,"port":3001,"sizeKb":20}]`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, received
}

func writeBundle(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// =============================================================================
// Command Tests
// =============================================================================

func TestLaunch_StreamsProgress(t *testing.T) {
	server, received := fakeLauncher(t, []datatypes.LaunchEvent{
		datatypes.NewProgressEvent(datatypes.StageWritingFiles, "1 files → /tmp/p1"),
		datatypes.NewProgressEvent(datatypes.StageInstallingDependencies, "npm install"),
		datatypes.NewReadyEvent(3001),
	})
	bundle := writeBundle(t, `{"files":[{"path":"src/app.ts","content":"console.log(1)"}]}`)

	out, _, err := execute(t, "launch", "p1", "--bundle", bundle, "--server", server.URL)

	require.NoError(t, err)
	assert.Contains(t, out, "== Writing files")
	assert.Contains(t, out, "   npm install")
	assert.Contains(t, out, "OK: Ready on port 3001")
	assert.Equal(t, "p1", received.ProjectID)
	require.Len(t, received.Files, 1)
	assert.Equal(t, "src/app.ts", received.Files[0].Path)
}

func TestLaunch_ErrorEventExitsNonZero(t *testing.T) {
	server, _ := fakeLauncher(t, []datatypes.LaunchEvent{
		datatypes.NewProgressEvent(datatypes.StageInstallingDependencies, "npm install"),
		datatypes.NewErrorEvent("npm failed (exit 1): missing lockfile"),
	})
	bundle := writeBundle(t, `[{"path":"package.json","content":"{}"}]`)

	_, errOut, err := execute(t, "launch", "p1", "--bundle", bundle, "--server", server.URL)

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, errOut, "ERROR: npm failed (exit 1): missing lockfile")
}

func TestLaunch_JSONOutput(t *testing.T) {
	server, _ := fakeLauncher(t, []datatypes.LaunchEvent{datatypes.NewReadyEvent(3001)})
	bundle := writeBundle(t, `[{"path":"a.ts","content":""}]`)

	out, _, err := execute(t, "launch", "p1", "--bundle", bundle, "--server", server.URL, "--json")

	require.NoError(t, err)
	var ev datatypes.LaunchEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &ev))
	assert.Equal(t, datatypes.EventReady, ev.Type)
	assert.Equal(t, 3001, ev.Port)
}

func TestLaunch_FromDirectory(t *testing.T) {
	server, received := fakeLauncher(t, []datatypes.LaunchEvent{datatypes.NewReadyEvent(3001)})
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.ts"), []byte("x"), 0o644))

	_, _, err := execute(t, "launch", "p1", "--dir", dir, "--server", server.URL)

	require.NoError(t, err)
	require.Len(t, received.Files, 1)
	assert.Equal(t, "src/app.ts", received.Files[0].Path)
}

func TestLaunch_RequiresBundle(t *testing.T) {
	_, _, err := execute(t, "launch", "p1", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
}

func TestLaunch_RejectsInvalidProjectID(t *testing.T) {
	bundle := writeBundle(t, `[{"path":"a.ts","content":""}]`)

	_, errOut, err := execute(t, "launch", "../etc", "--bundle", bundle, "--server", "http://127.0.0.1:1")

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, errOut, "invalid project id")
}

func TestStatus(t *testing.T) {
	server, _ := fakeLauncher(t, nil)

	out, _, err := execute(t, "status", "p1", "--server", server.URL)
	require.NoError(t, err)
	assert.Equal(t, "p1: running on port 3001\n", out)

	out, _, err = execute(t, "status", "p2", "--server", server.URL, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":false,"port":null}`, out)
}

func TestStopAndDelete(t *testing.T) {
	server, _ := fakeLauncher(t, nil)

	out, _, err := execute(t, "stop", "p1", "--server", server.URL)
	require.NoError(t, err)
	assert.Equal(t, "OK: Stopped p1\n", out)

	out, _, err = execute(t, "rm", "p1", "--server", server.URL, "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":true}`, out)
}

func TestList(t *testing.T) {
	server, _ := fakeLauncher(t, nil)

	out, _, err := execute(t, "ls", "--server", server.URL)

	require.NoError(t, err)
	assert.Contains(t, out, "PROJECT")
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "20 KB")
}

func TestUnreachableServer(t *testing.T) {
	_, errOut, err := execute(t, "list", "--server", "http://127.0.0.1:1")

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, errOut, "ERROR:")
}

// =============================================================================
// Bundle Tests
// =============================================================================

func TestLoadBundleFile(t *testing.T) {
	files, err := loadBundleFile(writeBundle(t, `{"projectId":"ignored","files":[{"path":"a","content":"1"},{"path":"b","content":"2"}]}`))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = loadBundleFile(writeBundle(t, `  [{"path":"a","content":"1"}]`))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = loadBundleFile(writeBundle(t, `{"files":[]}`))
	assert.ErrorContains(t, err, "no files")

	_, err = loadBundleFile(writeBundle(t, `{"files":`))
	assert.ErrorContains(t, err, "parse bundle")

	_, err = loadBundleFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read bundle")
}

func TestLoadBundleDir_SkipsDependenciesAndBinaries(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, data []byte) {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, data, 0o644))
	}
	write("package.json", []byte("{}"))
	write("src/app.ts", []byte("x"))
	write("node_modules/left-pad/index.js", []byte("y"))
	write(".git/HEAD", []byte("ref"))
	write("logo.bin", []byte{0xff, 0xfe, 0x00})

	files, err := loadBundleDir(dir)

	require.NoError(t, err)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"package.json", "src/app.ts"}, paths)
}
