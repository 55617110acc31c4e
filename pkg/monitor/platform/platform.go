// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package platform runs the external macOS probes (system_profiler, ioreg,
// pmset, ...) with hard rate limits and output caching. Walking the IOKit
// device tree stresses the kernel, so the minimum intervals below are part
// of the contract, not tunables.
package platform

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/util/log"
)

// Minimum intervals between invocations, per monitor.
const (
	MinIntervalSPUSB         = 300 * time.Second
	MinIntervalSPBluetooth   = 300 * time.Second
	MinIntervalSPThunderbolt = 300 * time.Second
	MinIntervalSPAirPort     = 60 * time.Second
	MinIntervalSPPower       = 120 * time.Second

	// CacheTTLSPAirPort sits just shy of the AirPort interval so a cycle
	// landing early still gets served from cache.
	CacheTTLSPAirPort = 55 * time.Second
	CacheTTLSPPower   = 10 * time.Minute
	CacheTTLIoreg     = 10 * time.Second

	// DefaultTimeout bounds a probe invocation so it can never hang a
	// monitor worker.
	DefaultTimeout = 30 * time.Second
)

// ErrBinaryMissing is returned for binaries detected absent on this system.
// The detection happens once; later calls fail fast without re-probing.
var ErrBinaryMissing = errors.New("platform binary not available")

// ErrRateLimited is returned when the minimum interval has not elapsed and
// no cached output exists to serve instead.
var ErrRateLimited = errors.New("platform call rate limited")

// ErrProbeTimeout is returned when the probe exceeded its deadline. Callers
// surface a no-data record instead of an error state.
var ErrProbeTimeout = errors.New("platform call timed out")

// Call describes one rate-limited external invocation.
type Call struct {
	Name        string
	Args        []string
	Timeout     time.Duration // defaults to DefaultTimeout
	MinInterval time.Duration // floor between real invocations; 0 = none
	CacheTTL    time.Duration // serve cached output within this window
}

func (c Call) key() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes platform calls for one monitor. Each monitor owns its
// Runner so the per-monitor rate limits compose naturally.
type Runner struct {
	mu      sync.Mutex
	cache   *gocache.Cache
	lastRun map[string]time.Time
	missing map[string]bool

	// execCommand is swapped in tests.
	execCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRunner returns a Runner with an empty cache.
func NewRunner() *Runner {
	return &Runner{
		cache:       gocache.New(gocache.NoExpiration, 10*time.Minute),
		lastRun:     make(map[string]time.Time),
		missing:     make(map[string]bool),
		execCommand: runCommand,
	}
}

// Output runs the call, honoring the missing-binary latch, the cache TTL,
// and the minimum interval, in that order. Within the minimum interval a
// stale cached output is preferred over a fresh invocation.
func (r *Runner) Output(ctx context.Context, call Call) ([]byte, error) {
	r.mu.Lock()
	key := call.key()

	if r.missing[call.Name] {
		r.mu.Unlock()
		return nil, errors.Wrap(ErrBinaryMissing, call.Name)
	}

	if call.CacheTTL > 0 {
		if cached, found := r.cache.Get(key); found {
			entry := cached.(cacheEntry)
			if time.Since(entry.at) < call.CacheTTL {
				r.mu.Unlock()
				return entry.output, nil
			}
		}
	}

	if call.MinInterval > 0 {
		if last, ok := r.lastRun[key]; ok && time.Since(last) < call.MinInterval {
			if cached, found := r.cache.Get(key); found {
				r.mu.Unlock()
				return cached.(cacheEntry).output, nil
			}
			r.mu.Unlock()
			return nil, errors.Wrap(ErrRateLimited, key)
		}
	}
	// reserve the slot before releasing the lock so concurrent callers
	// within the interval hit the cache path
	r.lastRun[key] = time.Now()
	r.mu.Unlock()

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := r.execCommand(ctx, call.Name, call.Args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(ErrProbeTimeout, key)
		}
		if isNotFound(err) {
			r.mu.Lock()
			r.missing[call.Name] = true
			r.mu.Unlock()
			log.Warnf("platform binary %s not available on this system, skipping from now on", call.Name)
			return nil, errors.Wrap(ErrBinaryMissing, call.Name)
		}
		return nil, errors.Wrapf(err, "running %s", key)
	}

	r.mu.Lock()
	r.cache.Set(key, cacheEntry{output: output, at: time.Now()}, gocache.NoExpiration)
	r.mu.Unlock()
	return output, nil
}

// BinaryMissing reports whether name was detected absent.
func (r *Runner) BinaryMissing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing[name]
}

type cacheEntry struct {
	output []byte
	at     time.Time
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func isNotFound(err error) bool {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return errors.Is(execErr.Err, exec.ErrNotFound)
	}
	return false
}
