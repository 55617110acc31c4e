// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package speedtest runs periodic throughput measurements, skipping cycles
// while the user is actively moving traffic so the test does not fight the
// workload it measures.
package speedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

const (
	monitorName     = "speedtest"
	defaultInterval = 60 * time.Second

	// loadThresholdBps: above this sustained rate the cycle is skipped
	loadThresholdBps = 2 << 20 // 2 MiB/s
)

// Probe shims, swapped in tests.
var (
	runTest     = runNetworkQuality
	netCounters = gopsnet.IOCounters
)

// Sink receives completed results, typically forwarding them to the fleet
// aggregator. A nil sink keeps results local.
type Sink interface {
	Publish(ctx context.Context, result types.SpeedtestResult) error
}

// Check owns the measurement loop.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	runner *platform.Runner
	sink   Sink

	lastBytes   uint64
	lastSampled time.Time

	// skipped is read by Status while the cycle loop increments it.
	skipped atomic.Int64
}

// New opens the ring-log and returns the check.
func New(dataDir string, sink Sink) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "speedtest.csv"),
		[]string{"ts", "download_mbps", "upload_mbps", "ping_ms", "jitter_ms", "server_name", "isp"},
		200, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening speedtest stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		runner: platform.NewRunner(),
		sink:   sink,
	}, nil
}

// RunCycle measures unless the link is busy.
func (c *Check) RunCycle(ctx context.Context) error {
	if c.underLoad() {
		c.skipped.Add(1)
		log.Debugf("speedtest skipped, link under active load")
		return nil
	}
	_, err := c.measure(ctx)
	return err
}

// TriggerRun measures immediately, ignoring the load check. Backs the
// "run speed test now" command and HTTP action.
func (c *Check) TriggerRun(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return c.measure(ctx)
}

func (c *Check) measure(ctx context.Context) (types.SpeedtestResult, error) {
	result, err := runTest(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) {
			return types.SpeedtestResult{}, c.stream.Append(csvstream.Record{"ts": csvstream.Now()})
		}
		return types.SpeedtestResult{}, err
	}
	result.TS = time.Now().UTC()

	if err := c.stream.Append(csvstream.Record{
		"ts":            csvstream.Now(),
		"download_mbps": fmt.Sprintf("%.2f", result.DownloadMbps),
		"upload_mbps":   fmt.Sprintf("%.2f", result.UploadMbps),
		"ping_ms":       fmt.Sprintf("%.1f", result.PingMS),
		"jitter_ms":     fmt.Sprintf("%.1f", result.JitterMS),
		"server_name":   result.ServerName,
		"isp":           result.ISP,
	}); err != nil {
		return result, errors.Wrap(err, "recording speedtest result")
	}

	if c.sink != nil {
		if err := c.sink.Publish(ctx, result); err != nil {
			c.Warnf("publishing speedtest result: %v", err) //nolint:errcheck
		}
	}
	c.SetLastResult(result)
	return result, nil
}

// underLoad compares interface counters between cycles. The first cycle
// never skips, it only primes the baseline.
func (c *Check) underLoad() bool {
	counters, err := netCounters(false)
	if err != nil || len(counters) == 0 {
		return false
	}
	total := counters[0].BytesSent + counters[0].BytesRecv
	now := time.Now()

	defer func() {
		c.lastBytes = total
		c.lastSampled = now
	}()

	if c.lastSampled.IsZero() {
		return false
	}
	elapsed := now.Sub(c.lastSampled).Seconds()
	if elapsed <= 0 {
		return false
	}
	rate := float64(total-c.lastBytes) / elapsed
	return rate > loadThresholdBps
}

// Status reports the latest result and skip count.
func (c *Check) Status() interface{} {
	return map[string]interface{}{
		"latest":         c.LastResult(),
		"skipped_cycles": c.skipped.Load(),
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

// networkQuality output shape (macOS 12+), only the fields used here.
type networkQualityOutput struct {
	DlThroughput float64 `json:"dl_throughput"`
	UlThroughput float64 `json:"ul_throughput"`
	Latency      float64 `json:"base_rtt"`
	Jitter       float64 `json:"jitter"`
	Interface    string  `json:"interface_name"`
}

// runNetworkQuality shells out to the system measurement tool.
func runNetworkQuality(ctx context.Context, runner *platform.Runner) (types.SpeedtestResult, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:    "networkQuality",
		Args:    []string{"-c"},
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return types.SpeedtestResult{}, err
	}

	var parsed networkQualityOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return types.SpeedtestResult{}, errors.Wrap(err, "parsing networkQuality output")
	}
	return types.SpeedtestResult{
		DownloadMbps: parsed.DlThroughput / 1e6,
		UploadMbps:   parsed.UlThroughput / 1e6,
		PingMS:       parsed.Latency,
		JitterMS:     parsed.Jitter,
		ServerName:   "networkQuality",
	}, nil
}
