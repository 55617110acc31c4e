// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	cron "github.com/robfig/cron/v3"

	"github.com/sraths91/atlas/pkg/util/log"
)

// cleanupSchedule fires the OnCleanup hook of every registered monitor.
const cleanupSchedule = "@every 24h"

// Registry is the composition root for monitors. The embedding application
// registers monitor instances here; nothing in this codebase reaches for
// process-global monitor singletons.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	order   []string
	cron    *cron.Cron
}

// NewRegistry returns an empty registry with the cleanup schedule armed
// (it only ticks once StartAll ran).
func NewRegistry() *Registry {
	r := &Registry{
		runners: make(map[string]*Runner),
		cron:    cron.New(),
	}
	r.cron.AddFunc(cleanupSchedule, r.runCleanup) //nolint:errcheck
	return r
}

// Register adds a monitor with the embedder's interval (zero means the
// monitor default). Duplicate names are an error.
func (r *Registry) Register(m Monitor, interval int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, ok := r.runners[name]; ok {
		return errors.Errorf("monitor %q already registered", name)
	}
	r.runners[name] = NewRunner(m, secondsToDuration(interval))
	r.order = append(r.order, name)
	return nil
}

// Get returns the runner for a monitor name.
func (r *Registry) Get(name string) (*Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// Names returns the registered monitor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Statuses returns name -> running for the health endpoint.
func (r *Registry) Statuses() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.runners))
	for name, runner := range r.runners {
		out[name] = runner.Running()
	}
	return out
}

// StartAll starts every registered monitor and the cleanup schedule.
func (r *Registry) StartAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		r.runners[name].Start()
	}
	r.cron.Start()
	log.Infof("Started %d monitors", len(r.runners))
}

// StopAll stops the cleanup schedule and every monitor, in reverse
// registration order.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.cron.Stop()
	for i := len(r.order) - 1; i >= 0; i-- {
		r.runners[r.order[i]].Stop()
	}
	log.Infof("Stopped %d monitors", len(r.runners))
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (r *Registry) runCleanup() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if cleaner, ok := r.runners[name].Monitor().(Cleaner); ok {
			log.Debugf("monitor %s: running cleanup hook", name)
			cleaner.OnCleanup()
		}
	}
}
