// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how much formatting the CLI applies.
type Mode string

const (
	// ModeStyled uses colors, icons and tables. Only for terminals.
	ModeStyled Mode = "styled"

	// ModePlain prints the same lines without ANSI styling.
	ModePlain Mode = "plain"

	// ModeMachine prints one JSON document per line for scripting.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or env value to a Mode. Unknown values yield
// ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "full", "color":
		return ModeStyled
	case "machine", "json", "quiet":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks the output mode for f.
//
// # Description
//
// Resolution order:
//  1. forceJSON (the --json flag) selects ModeMachine.
//  2. LAUNCHCTL_OUTPUT, when set, is parsed with ParseMode.
//  3. NO_COLOR, when set, selects ModePlain.
//  4. A terminal gets ModeStyled; anything else (pipes, files) ModePlain.
func DetectMode(f *os.File, forceJSON bool) Mode {
	if forceJSON {
		return ModeMachine
	}
	if env, ok := os.LookupEnv("LAUNCHCTL_OUTPUT"); ok && env != "" {
		return ParseMode(env)
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeStyled
	}
	return ModePlain
}
