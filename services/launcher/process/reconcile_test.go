// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const netTCPHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

// fakeProc builds a minimal procfs tree: net/tcp plus <pid>/fd symlinks.
func fakeProc(t *testing.T, tcp string, fds map[int][]string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(netTCPHeader+tcp), 0644))

	for pid, targets := range fds {
		fdDir := filepath.Join(root, strconv.Itoa(pid), "fd")
		require.NoError(t, os.MkdirAll(fdDir, 0755))
		for i, target := range targets {
			require.NoError(t, os.Symlink(target, filepath.Join(fdDir, strconv.Itoa(i))))
		}
	}
	return root
}

type killRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (k *killRecorder) kill(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pids = append(k.pids, pid)
	return nil
}

func TestPortReconciler_Procfs(t *testing.T) {
	// 0x0BB9 = 3001, 0x1F90 = 8080. State 0A = LISTEN, 01 = ESTABLISHED.
	tcp := "" +
		"   0: 0100007F:0BB9 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 111 1 0000000000000000 100 0 0 10 0\n" +
		"   1: 0100007F:0BB9 0100007F:D431 01 00000000:00000000 00:00000000 00000000  1000        0 222 1 0000000000000000 20 4 30 10 -1\n" +
		"   2: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 333 1 0000000000000000 100 0 0 10 0\n"

	self := os.Getpid()
	root := fakeProc(t, tcp, map[int][]string{
		100:  {"/dev/null", "socket:[111]"},
		200:  {"socket:[222]"},
		300:  {"socket:[333]"},
		self: {"socket:[111]"},
	})

	rec := &killRecorder{}
	r := NewPortReconciler(&MockCommandRunner{},
		WithGOOS("linux"),
		WithProcRoot(root),
		WithKillFunc(rec.kill),
	)

	res, err := r.Reconcile(context.Background(), 3001)
	require.NoError(t, err)
	assert.Equal(t, MethodProcfs, res.Method)
	assert.Equal(t, []int{100}, res.PIDs)
	assert.Equal(t, []int{100}, rec.pids)
}

func TestPortReconciler_Procfs_NothingListening(t *testing.T) {
	root := fakeProc(t, "", map[int][]string{100: {"socket:[111]"}})
	rec := &killRecorder{}
	r := NewPortReconciler(&MockCommandRunner{}, WithGOOS("linux"), WithProcRoot(root), WithKillFunc(rec.kill))

	res, err := r.Reconcile(context.Background(), 3001)
	require.NoError(t, err)
	assert.Empty(t, res.PIDs)
	assert.Empty(t, rec.pids)
}

func TestPortReconciler_FallsBackToLsof(t *testing.T) {
	runner := &MockCommandRunner{
		OutputFunc: func(ctx context.Context, cmd Command) ([]byte, error) {
			return []byte("4242\n4243\n4242\n"), nil
		},
	}
	rec := &killRecorder{}
	r := NewPortReconciler(runner, WithGOOS("darwin"), WithKillFunc(rec.kill))

	res, err := r.Reconcile(context.Background(), 3001)
	require.NoError(t, err)
	assert.Equal(t, MethodLsof, res.Method)
	assert.Equal(t, []int{4242, 4243}, res.PIDs)

	calls := runner.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "lsof -ti tcp:3001 -sTCP:LISTEN", calls[0].Command.String())
}

func TestPortReconciler_BrokenProcfsFallsBack(t *testing.T) {
	runner := &MockCommandRunner{
		OutputFunc: func(ctx context.Context, cmd Command) ([]byte, error) {
			return nil, exec.Command("sh", "-c", "exit 1").Run()
		},
	}
	r := NewPortReconciler(runner, WithGOOS("linux"), WithProcRoot(filepath.Join(t.TempDir(), "missing")))

	res, err := r.Reconcile(context.Background(), 3001)
	require.NoError(t, err)
	assert.Equal(t, MethodLsof, res.Method)
	assert.Empty(t, res.PIDs)
}

func TestPortReconciler_LsofMissing(t *testing.T) {
	runner := &MockCommandRunner{
		OutputFunc: func(ctx context.Context, cmd Command) ([]byte, error) {
			return nil, errors.New("executable file not found")
		},
	}
	r := NewPortReconciler(runner, WithGOOS("darwin"))

	_, err := r.Reconcile(context.Background(), 3001)
	require.Error(t, err)
}

func TestPortReconciler_SkipsUnkillable(t *testing.T) {
	runner := &MockCommandRunner{
		OutputFunc: func(ctx context.Context, cmd Command) ([]byte, error) {
			return []byte("1\n2\n"), nil
		},
	}
	r := NewPortReconciler(runner, WithGOOS("darwin"), WithKillFunc(func(pid int) error {
		if pid == 1 {
			return os.ErrPermission
		}
		return nil
	}))

	res, err := r.Reconcile(context.Background(), 3001)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.PIDs)
}

func TestPortReconciler_InvalidPort(t *testing.T) {
	_, err := NewPortReconciler(&MockCommandRunner{}).Reconcile(context.Background(), 0)
	require.Error(t, err)
}

func TestParsePIDs(t *testing.T) {
	assert.Equal(t, []int{7, 12}, parsePIDs("12\n7\nnope\n12\n"))
	assert.Empty(t, parsePIDs(""))
}
