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
	"net"
	"strconv"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// ProbeConfig bounds the readiness wait.
type ProbeConfig struct {
	// Host is dialled on the service port. Default 127.0.0.1.
	Host string

	// Attempts is the maximum number of dials. Default 40.
	Attempts int

	// Interval is the wait before each dial. Default 500ms.
	Interval time.Duration

	// Timeout bounds each dial. Default 300ms.
	Timeout time.Duration
}

// Window is the total time the probe is willing to wait.
func (c ProbeConfig) Window() time.Duration {
	return time.Duration(c.Attempts) * c.Interval
}

// ProbeResult is the outcome of Prober.Await.
type ProbeResult struct {
	// Ready is true when a dial succeeded.
	Ready bool

	// Exited is true when the process died before the port opened.
	Exited bool

	// ExitCode is valid only when Exited is true; -1 when killed by a signal.
	ExitCode int

	// ExitSignal names the terminating signal, if any.
	ExitSignal string

	// Attempts is the number of dials made.
	Attempts int
}

// Prober polls a TCP port until it accepts connections.
type Prober struct {
	config ProbeConfig
	dialer *net.Dialer
}

// NewProber creates a Prober, filling zero fields with defaults.
func NewProber(cfg ProbeConfig) *Prober {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 40
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	return &Prober{
		config: cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}
}

// Config returns the effective configuration.
func (p *Prober) Config() ProbeConfig { return p.config }

// =============================================================================
// Methods
// =============================================================================

// Await waits for port to accept TCP connections while h is alive.
//
// # Description
//
// Each attempt first waits Interval, then checks whether the process has
// exited, then dials with Timeout. A successful connection is closed
// immediately. The wait wakes early when the process exits, so an early
// crash is reported without burning the rest of the budget.
//
// # Inputs
//
//   - ctx: Cancellation. A cancelled probe reports neither ready nor exited.
//   - port: Service port.
//   - h: The process that should open the port.
//
// # Outputs
//
//   - ProbeResult: Ready, Exited (with code) or neither (timed out).
func (p *Prober) Await(ctx context.Context, port int, h Handle) ProbeResult {
	addr := net.JoinHostPort(p.config.Host, strconv.Itoa(port))
	result := ProbeResult{}

	for i := 0; i < p.config.Attempts; i++ {
		timer := time.NewTimer(p.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-h.Exited():
			timer.Stop()
		case <-timer.C:
		}

		if code, exited := h.ExitCode(); exited {
			result.Exited = true
			result.ExitCode = code
			result.ExitSignal = h.ExitSignal()
			return result
		}

		result.Attempts++
		if p.dial(ctx, addr) {
			result.Ready = true
			return result
		}
	}
	return result
}

// dial reports whether addr accepted a connection.
func (p *Prober) dial(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
