// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package monitor

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/util/log"
)

// State is the lifecycle state of a Runner.
type State int

// Runner lifecycle states. Transitions are serialized per runner:
// Created -> Running -> Stopping -> Stopped.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// stopWait bounds how long Stop waits for the worker to join before
// abandoning it.
const stopWait = 10 * time.Second

// Runner drives one monitor on its own worker goroutine. A cycle that
// overruns its period causes the next tick to be skipped, never queued.
// Errors and panics inside a cycle are contained; a monitor cannot crash
// the process.
type Runner struct {
	monitor  Monitor
	interval time.Duration

	mu     chan struct{} // serializes Start/Stop transitions
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner wraps a monitor. interval <= 0 means use the monitor's default;
// otherwise the embedder's value wins.
func NewRunner(m Monitor, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = m.DefaultInterval()
	}
	r := &Runner{
		monitor:  m,
		interval: interval,
		mu:       make(chan struct{}, 1),
		state:    StateCreated,
	}
	r.mu <- struct{}{}
	return r
}

// Monitor returns the wrapped monitor.
func (r *Runner) Monitor() Monitor {
	return r.monitor
}

// Interval returns the effective cadence.
func (r *Runner) Interval() time.Duration {
	return r.interval
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	return r.state
}

// Running reports whether the worker is active.
func (r *Runner) Running() bool {
	return r.State() == StateRunning
}

// Start spawns the worker. Idempotent: starting a running monitor is a
// no-op.
func (r *Runner) Start() {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()

	if r.state == StateRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = StateRunning

	go r.loop(ctx)
	log.Debugf("monitor %s: started with interval %s", r.monitor.Name(), r.interval)
}

// Stop requests cancellation and joins the worker, waiting at most stopWait
// before abandoning it.
func (r *Runner) Stop() {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()

	if r.state != StateRunning {
		return
	}
	r.state = StateStopping
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(stopWait):
		log.Warnf("monitor %s: worker did not stop within %s, abandoning", r.monitor.Name(), stopWait)
	}
	r.state = StateStopped
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// first cycle runs immediately so status surfaces have data
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
			// a cycle that overran its period leaves a tick pending;
			// drop it instead of running back-to-back
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (r *Runner) runCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("monitor %s: cycle panicked: %v", r.monitor.Name(), rec)
			telemetry.MonitorCycles.WithLabelValues(r.monitor.Name(), "panic").Inc()
		}
	}()

	err := r.monitor.RunCycle(ctx)
	switch {
	case err == nil:
		telemetry.MonitorCycles.WithLabelValues(r.monitor.Name(), "ok").Inc()
	case ctx.Err() != nil:
		// shutting down
	case isTransientNetErr(err):
		log.Debugf("monitor %s: transient error: %v", r.monitor.Name(), err)
		telemetry.MonitorCycles.WithLabelValues(r.monitor.Name(), "transient").Inc()
	default:
		log.Errorf("monitor %s: cycle failed: %v", r.monitor.Name(), err)
		telemetry.MonitorCycles.WithLabelValues(r.monitor.Name(), "error").Inc()
	}
}

// isTransientNetErr classifies connection refused/reset and timeouts, which
// are logged at debug rather than error.
func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, context.DeadlineExceeded)
}
