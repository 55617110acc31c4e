// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probe actively checks agent health endpoints so the registry can
// tell "stopped reporting" apart from "machine is gone".
package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

// Options configure the prober.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxInFlight int64
	AgentPort   int
	AgentTLS    bool // probe agents over https
	DevMode     bool // relax TLS verification for lab fleets
}

// DefaultOptions mirror the documented defaults.
func DefaultOptions() Options {
	return Options{
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		MaxInFlight: 32,
		AgentPort:   8767,
	}
}

// Registry is the store surface the prober needs.
type Registry interface {
	ListMachines() []store.MachineSnapshot
	UpdateHealthProbe(machineID string, result types.HealthProbeResult) error
}

// Prober sweeps the registry on a fixed interval, probing each machine's
// agent health endpoint with bounded concurrency.
type Prober struct {
	opts   Options
	reg    Registry
	client *http.Client
	sem    *semaphore.Weighted
}

// New returns a prober. With DevMode set, certificate verification is off;
// that is said once at startup, not per probe.
func New(reg Registry, opts Options) *Prober {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.DevMode {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		log.Warnf("dev_mode: health probes skip TLS certificate verification")
	}
	return &Prober{
		opts:   opts,
		reg:    reg,
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
		sem:    semaphore.NewWeighted(opts.MaxInFlight),
	}
}

// Run sweeps until ctx is done. The first sweep starts immediately.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep probes every machine with a known address once, waiting for all
// probes to land before returning.
func (p *Prober) Sweep(ctx context.Context) {
	machines := p.reg.ListMachines()
	done := make(chan struct{}, len(machines))
	launched := 0

	for _, m := range machines {
		if m.Info.LocalIP == "" {
			// nothing to probe yet; liveness falls back to report age
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		go func(m store.MachineSnapshot) {
			defer p.sem.Release(1)
			defer func() { done <- struct{}{} }()
			p.probeOne(ctx, m)
		}(m)
	}

	for i := 0; i < launched; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, m store.MachineSnapshot) {
	result := p.check(ctx, m.Info.LocalIP)
	telemetry.ProbeResults.WithLabelValues(string(result.Status)).Inc()

	if err := p.reg.UpdateHealthProbe(m.Info.MachineID, result); err != nil {
		log.Debugf("recording probe for %s: %v", m.Info.MachineID, err)
	}
}

// check performs one GET against the agent health endpoint and classifies
// the outcome.
func (p *Prober) check(ctx context.Context, ip string) types.HealthProbeResult {
	result := types.HealthProbeResult{LastCheckTS: time.Now().UTC()}

	scheme := "http"
	if p.opts.AgentTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/api/agent/health", scheme, net.JoinHostPort(ip, fmt.Sprintf("%d", p.opts.AgentPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Status = types.ProbeError
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		result.Status = classifyNetErr(err)
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		result.Status = types.ProbeUnhealthy
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}

	var health types.AgentHealth
	if err := json.Unmarshal(body, &health); err != nil {
		result.Status = types.ProbeUnhealthy
		result.Error = "malformed health body"
		return result
	}

	result.AgentVersion = health.AgentVersion
	result.AgentUptimeS = health.UptimeS
	result.Responsive = health.Responsive
	result.InnerPayload = json.RawMessage(body)
	if health.Status != "ok" || !health.Responsive {
		result.Status = types.ProbeUnhealthy
		return result
	}
	result.Status = types.ProbeReachable
	return result
}

func classifyNetErr(err error) types.ProbeStatus {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return types.ProbeTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") {
		return types.ProbeUnreachable
	}
	return types.ProbeError
}
