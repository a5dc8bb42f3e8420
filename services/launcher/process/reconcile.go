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
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// tcpListen is the kernel's TCP_LISTEN state in /proc/net/tcp.
const tcpListen = 0x0A

// Reclaim methods reported in ReconcileResult.
const (
	MethodProcfs = "procfs"
	MethodLsof   = "lsof"
)

// ReconcileResult describes one reconciliation pass.
type ReconcileResult struct {
	// Method is how listeners were discovered: procfs or lsof.
	Method string

	// PIDs are the processes that were sent SIGKILL.
	PIDs []int
}

// Reconciler frees the service port before a new instance starts.
type Reconciler interface {
	// Reconcile kills every process listening on port. Finding none is not
	// an error. The launcher's own process is never killed.
	Reconcile(ctx context.Context, port int) (ReconcileResult, error)
}

// PortReconciler implements Reconciler.
//
// # Description
//
// On Linux, listening sockets are read from /proc/net/tcp and /proc/net/tcp6
// and mapped to owning processes through /proc/<pid>/fd. Elsewhere, or when
// /proc cannot be read, it falls back to `lsof -ti tcp:<port> -sTCP:LISTEN`.
//
// # Limitations
//
//   - Processes owned by other users cannot be inspected or killed without
//     privileges; they are silently skipped.
type PortReconciler struct {
	runner   CommandRunner
	procRoot string
	self     int
	kill     func(pid int) error
	goos     string
}

// ReconcilerOption customizes a PortReconciler.
type ReconcilerOption func(*PortReconciler)

// WithProcRoot points the reconciler at a different procfs mount.
func WithProcRoot(root string) ReconcilerOption {
	return func(r *PortReconciler) { r.procRoot = root }
}

// WithKillFunc replaces the signal delivery (tests).
func WithKillFunc(kill func(pid int) error) ReconcilerOption {
	return func(r *PortReconciler) { r.kill = kill }
}

// WithGOOS overrides platform detection (tests).
func WithGOOS(goos string) ReconcilerOption {
	return func(r *PortReconciler) { r.goos = goos }
}

// NewPortReconciler creates a PortReconciler. runner is used for the lsof
// fallback.
func NewPortReconciler(runner CommandRunner, opts ...ReconcilerOption) *PortReconciler {
	r := &PortReconciler{
		runner:   runner,
		procRoot: procfs.DefaultMountPoint,
		self:     os.Getpid(),
		kill: func(pid int) error {
			return unix.Kill(pid, unix.SIGKILL)
		},
		goos: runtime.GOOS,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile kills every listener on port.
func (r *PortReconciler) Reconcile(ctx context.Context, port int) (ReconcileResult, error) {
	if port <= 0 || port > 65535 {
		return ReconcileResult{}, fmt.Errorf("invalid port %d", port)
	}

	var (
		pids   []int
		method string
		err    error
	)
	if r.goos == "linux" {
		method = MethodProcfs
		pids, err = r.listenersFromProcfs(port)
	}
	if r.goos != "linux" || err != nil {
		method = MethodLsof
		pids, err = r.listenersFromLsof(ctx, port)
		if err != nil {
			return ReconcileResult{Method: method}, err
		}
	}

	result := ReconcileResult{Method: method}
	for _, pid := range pids {
		if pid == r.self || pid <= 0 {
			continue
		}
		if killErr := r.kill(pid); killErr != nil && !errors.Is(killErr, unix.ESRCH) {
			// Permission denied and similar: someone else's process.
			continue
		}
		result.PIDs = append(result.PIDs, pid)
	}
	return result, nil
}

// listenersFromProcfs maps LISTEN sockets on port to PIDs.
func (r *PortReconciler) listenersFromProcfs(port int) ([]int, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	inodes := make(map[string]struct{})
	tcp, err := fs.NetTCP()
	if err != nil {
		return nil, fmt.Errorf("read net/tcp: %w", err)
	}
	// tcp6 is absent when IPv6 is disabled.
	tcp6, _ := fs.NetTCP6()

	for _, table := range []procfs.NetTCP{tcp, tcp6} {
		for _, line := range table {
			if line.St != tcpListen || line.LocalPort != uint64(port) {
				continue
			}
			inodes["socket:["+strconv.FormatUint(line.Inode, 10)+"]"] = struct{}{}
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var pids []int
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			if _, ok := inodes[target]; ok {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// listenersFromLsof asks lsof for listener PIDs. lsof exits 1 when nothing
// matches.
func (r *PortReconciler) listenersFromLsof(ctx context.Context, port int) ([]int, error) {
	out, err := r.runner.Output(ctx, Command{
		Name: "lsof",
		Args: []string{"-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN"},
	})
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof failed: %w", err)
	}
	return parsePIDs(string(out)), nil
}

// parsePIDs reads one PID per line, ignoring junk and duplicates.
func parsePIDs(s string) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, field := range strings.Fields(s) {
		pid, err := strconv.Atoi(field)
		if err != nil || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Compile-time interface compliance check.
var _ Reconciler = (*PortReconciler)(nil)
