// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders launchctl output: launch progress, lifecycle results,
// workspace tables and log lines.
//
// Every Printer method has three renditions selected by Mode: styled
// (lipgloss colors and icons), plain text, and machine JSON lines.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the predefined lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Stage   lipgloss.Style

	ErrorBox lipgloss.Style
	Header   lipgloss.Style
	Cell     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Stage:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),

	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon represents a status icon.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with its color applied.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// stageLabels are the human names of the pipeline stages.
var stageLabels = map[datatypes.Stage]string{
	datatypes.StageWritingFiles:        "Writing files",
	datatypes.StageInstallingDependencies:          "Installing dependencies",
	datatypes.StageGeneratingSchema:    "Generating schema",
	datatypes.StageProvisioningStorage: "Provisioning storage",
	datatypes.StageReconcilingPort:     "Reclaiming port",
	datatypes.StageStarting:            "Starting service",
	datatypes.StageAwaitingReady:       "Waiting for readiness",
}

// StageLabel returns the human name of a stage.
func StageLabel(s datatypes.Stage) string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes CLI output in one Mode.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes whole lines under a mutex.
type Printer struct {
	mu   sync.Mutex
	out  io.Writer
	err  io.Writer
	mode Mode

	lastStage datatypes.Stage
}

// NewPrinter creates a Printer. Errors go to errOut in plain and machine
// mode so stdout stays parseable.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Event renders one launch event.
//
// # Description
//
// Styled and plain modes print a header line when the stage changes and an
// indented line for each detail (tool output). Machine mode prints the
// event JSON.
func (p *Printer) Event(ev datatypes.LaunchEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeMachine {
		p.writeJSON(p.out, ev)
		return
	}

	switch ev.Type {
	case datatypes.EventProgress:
		if ev.Stage != p.lastStage {
			p.lastStage = ev.Stage
			label := StageLabel(ev.Stage)
			if p.mode == ModeStyled {
				fmt.Fprintf(p.out, "%s %s\n", IconPending.Render(), Styles.Stage.Render(label))
			} else {
				fmt.Fprintf(p.out, "== %s\n", label)
			}
		}
		if ev.Detail != "" {
			if p.mode == ModeStyled {
				fmt.Fprintf(p.out, "  %s\n", Styles.Muted.Render(ev.Detail))
			} else {
				fmt.Fprintf(p.out, "   %s\n", ev.Detail)
			}
		}
	case datatypes.EventReady:
		msg := "Ready on port " + strconv.Itoa(ev.Port)
		if p.mode == ModeStyled {
			fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(msg))
		} else {
			fmt.Fprintf(p.out, "OK: %s\n", msg)
		}
	case datatypes.EventError:
		p.errorLocked(ev.Message)
	}
}

// Success prints a one-line confirmation.
func (p *Printer) Success(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case ModeMachine:
		p.writeJSON(p.out, map[string]string{"status": "ok", "message": text})
	case ModeStyled:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	default:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	}
}

// Error prints a failure message.
func (p *Printer) Error(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorLocked(text)
}

func (p *Printer) errorLocked(text string) {
	switch p.mode {
	case ModeMachine:
		p.writeJSON(p.err, map[string]string{"status": "error", "message": text})
	case ModeStyled:
		fmt.Fprintln(p.err, Styles.ErrorBox.Render(IconError.Render()+" "+text))
	default:
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
	}
}

// JSON prints v as one JSON line regardless of mode.
func (p *Printer) JSON(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeJSON(p.out, v)
}

// Status renders a status response for projectID.
func (p *Printer) Status(projectID string, st datatypes.StatusResponse) {
	if p.mode == ModeMachine {
		p.JSON(st)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !st.Running || st.Port == nil {
		if p.mode == ModeStyled {
			fmt.Fprintf(p.out, "%s %s %s\n", IconPending.Render(), Styles.Bold.Render(projectID), Styles.Muted.Render("not running"))
		} else {
			fmt.Fprintf(p.out, "%s: not running\n", projectID)
		}
		return
	}
	if p.mode == ModeStyled {
		fmt.Fprintf(p.out, "%s %s %s %s\n", IconSuccess.Render(), Styles.Bold.Render(projectID),
			IconArrow, Styles.Success.Render(fmt.Sprintf("running on port %d", *st.Port)))
	} else {
		fmt.Fprintf(p.out, "%s: running on port %d\n", projectID, *st.Port)
	}
}

// List renders workspace entries as a table.
func (p *Printer) List(entries []datatypes.ListEntry) {
	if p.mode == ModeMachine {
		p.JSON(entries)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(entries) == 0 {
		fmt.Fprintln(p.out, "No projects.")
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		state, port := "stopped", "-"
		if e.Running && e.Port != nil {
			state, port = "running", strconv.Itoa(*e.Port)
		}
		rows = append(rows, []string{e.ProjectID, state, port, formatKB(e.SizeKB)})
	}
	headers := []string{"PROJECT", "STATE", "PORT", "SIZE"}

	if p.mode != ModeStyled {
		fmt.Fprintf(p.out, "%-32s %-8s %-6s %s\n", headers[0], headers[1], headers[2], headers[3])
		for _, r := range rows {
			fmt.Fprintf(p.out, "%-32s %-8s %-6s %s\n", r[0], r[1], r[2], r[3])
		}
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			if col == 1 && row >= 0 && row < len(rows) && rows[row][1] == "running" {
				return Styles.Cell.Foreground(ColorSuccess)
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.out, t.Render())
}

// LogLine prints one service log line verbatim.
func (p *Printer) LogLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeMachine {
		p.writeJSON(p.out, map[string]string{"line": line})
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *Printer) writeJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(w, "{\"status\":\"error\",\"message\":%q}\n", err.Error())
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// formatKB renders a size in kilobytes with a binary unit.
func formatKB(kb int64) string {
	switch {
	case kb >= 1024*1024:
		return fmt.Sprintf("%.1f GB", float64(kb)/(1024*1024))
	case kb >= 1024:
		return fmt.Sprintf("%.1f MB", float64(kb)/1024)
	default:
		return fmt.Sprintf("%d KB", kb)
	}
}
