// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package roaming watches for access point transitions: roam events with
// measured latency, and sticky clients that refuse to roam off a weak AP.
package roaming

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/monitors/wifi"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "roaming"
	defaultInterval = 30 * time.Second

	// sticky client: RSSI at or below this for stickyCycles without a roam
	stickyRSSI   = -75
	stickyCycles = 3

	probeWindow = 10 * time.Second
	probeStep   = 200 * time.Millisecond
)

// Probe shims, swapped in tests.
var (
	fetchInfo      = wifi.FetchInfo
	probeReachable = defaultReachable
	probeInterval  = probeStep
)

// Check tracks BSSID transitions against a constant SSID.
type Check struct {
	monitor.Base
	events *csvstream.Stream
	runner *platform.Runner

	// mu guards the roam and sticky tracking state, read by Status
	// while the cycle loop mutates it.
	mu         sync.Mutex
	lastSSID   string
	lastBSSID  string
	weakCycles int
	sticky     bool
}

// New opens the event ring-log and returns the check.
func New(dataDir string) (*Check, error) {
	events, err := csvstream.New(
		filepath.Join(dataDir, "roaming_events.csv"),
		[]string{"ts", "event", "ssid", "old_bssid", "new_bssid", "roam_latency_ms", "rssi"},
		200, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening roaming stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		events: events,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle samples the association and classifies the transition.
func (c *Check) RunCycle(ctx context.Context) error {
	info, err := fetchInfo(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) {
			return nil
		}
		return err
	}
	if info.SSID == "" {
		// not associated, nothing to classify
		c.resetStreak()
		return nil
	}

	c.mu.Lock()
	prevBSSID := c.lastBSSID
	roamed := c.lastSSID == info.SSID && prevBSSID != "" && prevBSSID != info.BSSID
	c.mu.Unlock()

	if roamed {
		latency := c.measureRoamLatency(ctx)
		if err := c.events.Append(csvstream.Record{
			"ts":              csvstream.Now(),
			"event":           "roam",
			"ssid":            info.SSID,
			"old_bssid":       prevBSSID,
			"new_bssid":       info.BSSID,
			"roam_latency_ms": fmt.Sprintf("%.0f", latency.Seconds()*1000),
		}); err != nil {
			return errors.Wrap(err, "recording roam event")
		}
		c.resetStreak()
	} else {
		c.trackSticky(info)
	}

	c.mu.Lock()
	c.lastSSID = info.SSID
	c.lastBSSID = info.BSSID
	c.mu.Unlock()
	c.SetLastResult(info)
	return nil
}

// trackSticky counts consecutive weak-signal cycles without a roam and
// flags the streak once.
func (c *Check) trackSticky(info wifi.Info) {
	if info.RSSI > stickyRSSI {
		c.resetStreak()
		return
	}
	c.mu.Lock()
	c.weakCycles++
	flag := c.weakCycles >= stickyCycles && !c.sticky
	if flag {
		c.sticky = true
	}
	c.mu.Unlock()
	if !flag {
		return
	}
	c.SetDegraded(true)
	if err := c.events.Append(csvstream.Record{
		"ts":    csvstream.Now(),
		"event": "sticky_client",
		"ssid":  info.SSID,
		"rssi":  fmt.Sprintf("%d", info.RSSI),
	}); err != nil {
		c.Warnf("recording sticky event: %v", err) //nolint:errcheck
	}
}

func (c *Check) resetStreak() {
	c.mu.Lock()
	c.weakCycles = 0
	c.sticky = false
	c.mu.Unlock()
	c.SetDegraded(false)
}

// measureRoamLatency probes connectivity after a BSSID change: the gap
// between the first failed probe and the first success after it. A roam
// that never drops connectivity measures as zero.
func (c *Check) measureRoamLatency(ctx context.Context) time.Duration {
	deadline := time.Now().Add(probeWindow)
	var firstFail time.Time

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		if probeReachable(ctx) {
			if firstFail.IsZero() {
				return 0
			}
			return time.Since(firstFail)
		}
		if firstFail.IsZero() {
			firstFail = time.Now()
		}
		time.Sleep(probeInterval)
	}
	if firstFail.IsZero() {
		return 0
	}
	return time.Since(firstFail)
}

// Status reports the current association and sticky verdict.
func (c *Check) Status() interface{} {
	c.mu.Lock()
	sticky, weak := c.sticky, c.weakCycles
	c.mu.Unlock()
	return map[string]interface{}{
		"current":       c.LastResult(),
		"sticky_client": sticky,
		"weak_cycles":   weak,
	}
}

// History returns the event tail.
func (c *Check) History() interface{} {
	return c.events.Tail()
}

// ExportPath names the CSV file backing this monitor.
func (c *Check) ExportPath() string {
	return c.events.Path()
}

// OnCleanup prunes the event stream.
func (c *Check) OnCleanup() {
	c.events.PruneNow() //nolint:errcheck
}

func defaultReachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "udp", "8.8.8.8:53")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
