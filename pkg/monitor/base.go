// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package monitor

import (
	"sync"
	"time"

	"github.com/sraths91/atlas/pkg/util/log"
)

// Base provides the common bookkeeping for a Monitor: name, default
// interval, last successful result, and warning collection. Embed it and
// call SetLastResult at the end of a successful cycle.
type Base struct {
	name            string
	defaultInterval time.Duration

	mu          sync.Mutex
	lastResult  interface{}
	lastCycleTS time.Time
	warnings    []error
	degraded    bool
}

// NewBase returns a Base with the given name and default cadence.
func NewBase(name string, defaultInterval time.Duration) Base {
	return Base{
		name:            name,
		defaultInterval: defaultInterval,
	}
}

// Name returns the monitor name.
func (b *Base) Name() string {
	return b.name
}

// DefaultInterval returns the monitor's default cadence. The embedding
// application's requested interval overrides it at Start time.
func (b *Base) DefaultInterval() time.Duration {
	return b.defaultInterval
}

// SetLastResult records the output of a successful cycle.
func (b *Base) SetLastResult(v interface{}) {
	b.mu.Lock()
	b.lastResult = v
	b.lastCycleTS = time.Now()
	b.mu.Unlock()
}

// LastResult returns the most recent successful cycle output, or nil.
func (b *Base) LastResult() interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastResult
}

// LastCycleTime returns when the last successful cycle completed.
func (b *Base) LastCycleTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCycleTS
}

// SetDegraded marks the monitor degraded (e.g. its platform probe is
// missing). A degraded monitor stays alive and keeps producing no-data
// records.
func (b *Base) SetDegraded(v bool) {
	b.mu.Lock()
	b.degraded = v
	b.mu.Unlock()
}

// Degraded reports whether the monitor marked itself degraded.
func (b *Base) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Warn logs a warning and records it for the status surface.
func (b *Base) Warn(v ...interface{}) error {
	w := log.Warn(v...)
	b.mu.Lock()
	b.warnings = append(b.warnings, w)
	b.mu.Unlock()
	return w
}

// Warnf logs a formatted warning and records it for the status surface.
func (b *Base) Warnf(format string, params ...interface{}) error {
	w := log.Warnf(format, params...)
	b.mu.Lock()
	b.warnings = append(b.warnings, w)
	b.mu.Unlock()
	return w
}

// Warnings drains and returns the warnings collected since the last call.
func (b *Base) Warnings() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.warnings) == 0 {
		return nil
	}
	w := b.warnings
	b.warnings = nil
	return w
}
