// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package diskhealth tracks capacity and SMART status for the boot volume.
package diskhealth

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "diskhealth"
	defaultInterval = 300 * time.Second

	// capacity above this marks the monitor degraded
	capacityThresholdPct = 90.0
)

// Probe shims, swapped in tests.
var (
	diskUsage  = disk.Usage
	fetchSMART = diskutilSMART
)

// Sample is one disk snapshot.
type Sample struct {
	UsedGB      float64 `json:"used_gb"`
	TotalGB     float64 `json:"total_gb"`
	Percent     float64 `json:"percent"`
	SMARTStatus string  `json:"smart_status"` // verified, failing, unsupported, unknown
}

// Check samples the boot volume.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	runner *platform.Runner
}

// New opens the ring-log and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "diskhealth.csv"),
		[]string{"ts", "used_gb", "total_gb", "percent", "smart_status"},
		500, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening diskhealth stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle samples capacity and SMART. SMART being unavailable degrades
// the sample, not the cycle.
func (c *Check) RunCycle(ctx context.Context) error {
	usage, err := diskUsage("/")
	if err != nil {
		return errors.Wrap(err, "reading disk usage")
	}

	sample := Sample{
		UsedGB:      float64(usage.Used) / 1024 / 1024 / 1024,
		TotalGB:     float64(usage.Total) / 1024 / 1024 / 1024,
		Percent:     usage.UsedPercent,
		SMARTStatus: "unknown",
	}
	if status, err := fetchSMART(ctx, c.runner); err == nil {
		sample.SMARTStatus = status
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":           csvstream.Now(),
		"used_gb":      fmt.Sprintf("%.1f", sample.UsedGB),
		"total_gb":     fmt.Sprintf("%.1f", sample.TotalGB),
		"percent":      fmt.Sprintf("%.1f", sample.Percent),
		"smart_status": sample.SMARTStatus,
	}); err != nil {
		return errors.Wrap(err, "recording disk sample")
	}

	c.SetDegraded(sample.Percent > capacityThresholdPct || sample.SMARTStatus == "failing")
	c.SetLastResult(sample)
	return nil
}

// Status reports the latest snapshot and verdict.
func (c *Check) Status() interface{} {
	return map[string]interface{}{
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

var smartRe = regexp.MustCompile(`SMART Status:\s+(.+)`)

// diskutilSMART asks diskutil about the boot disk.
func diskutilSMART(ctx context.Context, runner *platform.Runner) (string, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:        "diskutil",
		Args:        []string{"info", "disk0"},
		Timeout:     platform.DefaultTimeout,
		MinInterval: time.Minute,
	})
	if err != nil {
		return "", err
	}
	m := smartRe.FindStringSubmatch(string(out))
	if m == nil {
		return "unknown", nil
	}
	switch status := strings.TrimSpace(m[1]); status {
	case "Verified":
		return "verified", nil
	case "Not Supported":
		return "unsupported", nil
	default:
		return "failing", nil
	}
}
