// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks which project currently runs a supervised service
// and which projects have a launch in flight.
//
// The registry is in memory only and is lost when the launcher restarts. It
// records handles but never signals them; callers decide what to do with an
// evicted instance.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLaunch/services/launcher/process"
)

// Instance is a project whose service passed its readiness probe.
type Instance struct {
	ProjectID string
	Handle    process.Handle
	Port      int
	StartedAt time.Time
	LaunchID  string
}

// Registry maps project id to its running Instance.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Every mutation happens under one
// lock so that observers never see a half-applied change.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Instance
	inFlight  map[string]string // project id -> launch id
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]Instance),
		inFlight:  make(map[string]string),
	}
}

// =============================================================================
// Running instances
// =============================================================================

// Get returns the instance registered for projectID.
func (r *Registry) Get(projectID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[projectID]
	return inst, ok
}

// Set registers inst, replacing any previous instance for the same project.
// The replaced instance is returned so the caller can stop it.
func (r *Registry) Set(inst Instance) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.instances[inst.ProjectID]
	r.instances[inst.ProjectID] = inst
	return prev, ok
}

// Delete removes and returns the instance for projectID.
func (r *Registry) Delete(projectID string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[projectID]
	if ok {
		delete(r.instances, projectID)
	}
	return inst, ok
}

// DeleteIf removes the entry for projectID only if it still holds handle.
// An exit observer uses this so it cannot evict a newer instance.
func (r *Registry) DeleteIf(projectID string, handle process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[projectID]
	if !ok || inst.Handle != handle {
		return false
	}
	delete(r.instances, projectID)
	return true
}

// DeleteAll removes every instance and returns them sorted by project id.
func (r *Registry) DeleteAll() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for id, inst := range r.instances {
		out = append(out, inst)
		delete(r.instances, id)
	}
	sortInstances(out)
	return out
}

// All returns a snapshot of every instance sorted by project id.
func (r *Registry) All() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

// Len returns the number of running instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// =============================================================================
// In-flight launches
// =============================================================================

// BeginLaunch marks a launch of projectID as in flight.
//
// # Outputs
//
//   - release: Ends the in-flight mark. Safe to call more than once.
//   - ok: false if another launch of the same project is still running; the
//     returned release is then a no-op.
func (r *Registry) BeginLaunch(projectID, launchID string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[projectID]; busy {
		return func() {}, false
	}
	r.inFlight[projectID] = launchID

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.inFlight[projectID] == launchID {
				delete(r.inFlight, projectID)
			}
		})
	}, true
}

// InFlight returns the number of launches currently in flight.
func (r *Registry) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inFlight)
}

// Launching reports whether projectID has a launch in flight.
func (r *Registry) Launching(projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inFlight[projectID]
	return ok
}

func sortInstances(s []Instance) {
	sort.Slice(s, func(i, j int) bool { return s[i].ProjectID < s[j].ProjectID })
}
