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
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s *Stream) []string {
	var lines []string
	for l := range s.Lines() {
		lines = append(lines, l)
	}
	return lines
}

func shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func TestCommand_String(t *testing.T) {
	c := NewCommand([]string{"npx", "prisma", "db", "push"}, "/tmp")
	assert.Equal(t, "npx prisma db push", c.String())
	assert.Equal(t, "/tmp", c.Dir)
}

func TestDefaultCommandRunner_Stream_MergesInOrder(t *testing.T) {
	r := NewDefaultCommandRunner()

	s, err := r.Stream(context.Background(), shell("echo one; echo two >&2; echo three"))
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, collect(s))
	res := s.Wait()
	assert.Equal(t, 0, res.Code)
	assert.True(t, res.Success())
}

func TestDefaultCommandRunner_Stream_NonZeroExit(t *testing.T) {
	r := NewDefaultCommandRunner()

	s, err := r.Stream(context.Background(), shell("echo missing lockfile >&2; exit 1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"missing lockfile"}, collect(s))
	res := s.Wait()
	assert.Equal(t, 1, res.Code)
	assert.False(t, res.Signaled)
	assert.False(t, res.Success())
}

func TestDefaultCommandRunner_Stream_SignalIsSuccess(t *testing.T) {
	r := NewDefaultCommandRunner()

	s, err := r.Stream(context.Background(), shell("kill -TERM $$"))
	require.NoError(t, err)
	collect(s)

	res := s.Wait()
	assert.True(t, res.Signaled)
	assert.Equal(t, -1, res.Code)
	assert.Equal(t, "SIGTERM", res.Signal)
	assert.True(t, res.Success())
}

func TestDefaultCommandRunner_Stream_OutputLargerThanPipe(t *testing.T) {
	r := NewDefaultCommandRunner()

	// One 300 KiB line followed by far more output than a pipe buffers.
	script := "head -c 307200 /dev/zero | tr '\\0' a; echo; seq 1 20000; echo done; exit 3"
	s, err := r.Stream(context.Background(), shell(script))
	require.NoError(t, err)

	type outcome struct {
		lines []string
		res   ExitResult
	}
	done := make(chan outcome, 1)
	go func() {
		lines := collect(s)
		done <- outcome{lines: lines, res: s.Wait()}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("stream did not finish")
	}

	assert.Equal(t, 3, got.res.Code)
	assert.NoError(t, got.res.OutputErr)
	require.Len(t, got.lines, 2+20000+1)
	assert.Len(t, got.lines[0], maxLineBytes)
	assert.Len(t, got.lines[1], 307200-maxLineBytes)
	assert.Equal(t, "1", got.lines[2])
	assert.Equal(t, "20000", got.lines[20001])
	assert.Equal(t, "done", got.lines[20002])
}

func TestScanLines_SplitsLongLines(t *testing.T) {
	input := strings.Repeat("x", maxLineBytes+10) + "\r\nshort\n\ntail"
	out := make(chan string, 8)

	require.NoError(t, scanLines(strings.NewReader(input), out))
	close(out)

	var lines []string
	for l := range out {
		lines = append(lines, l)
	}
	require.Len(t, lines, 5)
	assert.Len(t, lines[0], maxLineBytes)
	assert.Equal(t, strings.Repeat("x", 10), lines[1])
	assert.Equal(t, "short", lines[2])
	assert.Equal(t, "", lines[3])
	assert.Equal(t, "tail", lines[4])
}

func TestDefaultCommandRunner_Stream_EnvAndDir(t *testing.T) {
	r := NewDefaultCommandRunner()
	dir := t.TempDir()

	cmd := shell(`echo "$LAUNCH_TEST_VAR"; pwd`)
	cmd.Dir = dir
	cmd.Env = []string{"LAUNCH_TEST_VAR=override"}

	s, err := r.Stream(context.Background(), cmd)
	require.NoError(t, err)
	lines := collect(s)
	require.Len(t, lines, 2)
	assert.Equal(t, "override", lines[0])
	assert.Contains(t, lines[1], dir[len(dir)-8:])
	assert.True(t, s.Wait().Success())
}

func TestDefaultCommandRunner_Stream_StartFailure(t *testing.T) {
	r := NewDefaultCommandRunner()

	_, err := r.Stream(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)

	_, err = r.Stream(context.Background(), Command{})
	require.Error(t, err)
}

func TestDefaultCommandRunner_Stream_ContextCancelKillsGroup(t *testing.T) {
	r := NewDefaultCommandRunner()
	ctx, cancel := context.WithCancel(context.Background())

	s, err := r.Stream(ctx, shell("sleep 30 & wait"))
	require.NoError(t, err)

	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan ExitResult, 1)
	go func() {
		collect(s)
		done <- s.Wait()
	}()

	select {
	case res := <-done:
		assert.True(t, res.Signaled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled command did not exit")
	}
}

func TestDefaultCommandRunner_Output(t *testing.T) {
	r := NewDefaultCommandRunner()

	out, err := r.Output(context.Background(), shell("echo 123"))
	require.NoError(t, err)
	assert.Equal(t, "123\n", string(out))

	_, err = r.Output(context.Background(), shell("echo nope >&2; exit 1"))
	require.Error(t, err)
	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "nope")
}

func TestNewStaticStream(t *testing.T) {
	s := NewStaticStream([]string{"a", "b"}, ExitResult{Code: 2})
	assert.Equal(t, []string{"a", "b"}, collect(s))
	assert.Equal(t, 2, s.Wait().Code)
}

func TestMockCommandRunner_RecordsCalls(t *testing.T) {
	m := &MockCommandRunner{
		StreamFunc: func(ctx context.Context, cmd Command) (*Stream, error) {
			return NewStaticStream(nil, ExitResult{}), nil
		},
	}
	_, err := m.Stream(context.Background(), NewCommand([]string{"npm", "install"}, "/w"))
	require.NoError(t, err)

	calls := m.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Stream", calls[0].Method)
	assert.Equal(t, "npm install", calls[0].Command.String())
}
