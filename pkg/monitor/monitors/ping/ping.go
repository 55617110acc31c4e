// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ping samples reachability and latency against a small fixed
// target set.
package ping

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "ping"
	defaultInterval = 10 * time.Second

	// degradation thresholds
	lossThresholdPct   = 10.0
	latencyThresholdMS = 100.0
	degradedCycles     = 3
)

var defaultTargets = []string{"8.8.8.8", "1.1.1.1"}

var (
	lossRe = regexp.MustCompile(`([\d.]+)% packet loss`)
	rttRe  = regexp.MustCompile(`= [\d.]+/([\d.]+)/`)
)

// probeTarget is swapped in tests.
var probeTarget = runPing

// Result is one target measurement.
type Result struct {
	Target    string  `json:"target"`
	LatencyMS float64 `json:"latency_ms"`
	LossPct   float64 `json:"loss_pct"`
}

// Check pings each target once per cycle and tracks consecutive bad cycles.
type Check struct {
	monitor.Base
	stream  *csvstream.Stream
	runner  *platform.Runner
	targets []string

	badCycles int
}

// New opens the ring-log and returns the check.
func New(dataDir string, targets []string) (*Check, error) {
	if len(targets) == 0 {
		targets = defaultTargets
	}
	stream, err := csvstream.New(
		filepath.Join(dataDir, "ping.csv"),
		[]string{"ts", "target", "latency_ms", "loss_pct"},
		500, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening ping stream")
	}
	return &Check{
		Base:    monitor.NewBase(monitorName, defaultInterval),
		stream:  stream,
		runner:  platform.NewRunner(),
		targets: targets,
	}, nil
}

// RunCycle probes every target and folds the worst measurement into the
// degradation counter.
func (c *Check) RunCycle(ctx context.Context) error {
	results := make([]Result, 0, len(c.targets))
	worstLoss, worstLatency := 0.0, 0.0

	for _, target := range c.targets {
		res, err := probeTarget(ctx, c.runner, target)
		if err != nil {
			// unreachable shows up as full loss, not a failed cycle
			res = Result{Target: target, LossPct: 100}
		}
		results = append(results, res)

		if res.LossPct > worstLoss {
			worstLoss = res.LossPct
		}
		if res.LatencyMS > worstLatency {
			worstLatency = res.LatencyMS
		}

		if err := c.stream.Append(csvstream.Record{
			"ts":         csvstream.Now(),
			"target":     res.Target,
			"latency_ms": fmt.Sprintf("%.2f", res.LatencyMS),
			"loss_pct":   fmt.Sprintf("%.1f", res.LossPct),
		}); err != nil {
			return errors.Wrap(err, "recording ping result")
		}
	}

	if worstLoss > lossThresholdPct || worstLatency > latencyThresholdMS {
		c.badCycles++
	} else {
		c.badCycles = 0
	}
	c.SetDegraded(c.badCycles >= degradedCycles)
	c.SetLastResult(results)
	return nil
}

// Status reports the latest measurements and the degradation verdict.
func (c *Check) Status() interface{} {
	return map[string]interface{}{
		"targets":  c.targets,
		"latest":   c.LastResult(),
		"degraded": c.Degraded(),
	}
}

// History returns the ring-log tail.
func (c *Check) History() interface{} {
	return c.stream.Tail()
}

// ExportPath names the CSV file backing this monitor.
func (c *Check) ExportPath() string {
	return c.stream.Path()
}

// OnCleanup prunes rows past retention.
func (c *Check) OnCleanup() {
	c.stream.PruneNow() //nolint:errcheck
}

// runPing shells out to the system ping, three packets with a one second
// per-packet wait.
func runPing(ctx context.Context, runner *platform.Runner, target string) (Result, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:    "ping",
		Args:    []string{"-c", "3", "-W", "1000", target},
		Timeout: 10 * time.Second,
	})
	if err != nil && len(out) == 0 {
		return Result{}, err
	}
	return parsePing(target, string(out))
}

func parsePing(target, out string) (Result, error) {
	res := Result{Target: target, LossPct: 100}
	if m := lossRe.FindStringSubmatch(out); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			res.LossPct = v
		}
	}
	if m := rttRe.FindStringSubmatch(out); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			res.LatencyMS = v
		}
	}
	if res.LossPct == 100 && res.LatencyMS == 0 {
		return res, errors.Errorf("no reply from %s", target)
	}
	return res, nil
}
