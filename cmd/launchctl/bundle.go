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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/datatypes"
)

// skippedDirs are never included when a bundle is built from a directory.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
}

// loadBundleFile reads a JSON bundle. Both {"files": [...]} (projectId is
// ignored; the command argument wins) and a bare array are accepted.
func loadBundleFile(path string) ([]datatypes.GeneratedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	data = bytes.TrimSpace(data)

	var files []datatypes.GeneratedFile
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &files)
	} else {
		var wrapped struct {
			Files []datatypes.GeneratedFile `json:"files"`
		}
		err = json.Unmarshal(data, &wrapped)
		files = wrapped.Files
	}
	if err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle %s has no files", path)
	}
	return files, nil
}

// loadBundleDir turns every regular text file under root into a bundle
// entry with a slash-separated relative path, sorted by path.
func loadBundleDir(root string) ([]datatypes.GeneratedFile, error) {
	var files []datatypes.GeneratedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(content) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, datatypes.GeneratedFile{
			Path:    filepath.ToSlash(rel),
			Content: string(content),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read bundle directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("directory %s has no files", root)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
