// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package power samples battery and power-source state.
package power

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "power"
	defaultInterval = 120 * time.Second
)

// fetchPower is swapped in tests.
var fetchPower = pmsetBattery

// Status is one power snapshot. Percent is -1 on machines without a
// battery.
type Status struct {
	Percent          int    `json:"percent"`
	Plugged          bool   `json:"plugged"`
	Charging         bool   `json:"charging"`
	TimeRemainingMin int    `json:"time_remaining_min"` // -1 when unknown
	Source           string `json:"source"`
}

// Check samples the power source.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	runner *platform.Runner
}

// New opens the ring-log and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "power.csv"),
		[]string{"ts", "percent", "plugged", "charging", "time_remaining_min", "source"},
		500, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening power stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle samples once. Desktops without a battery still record the
// power source.
func (c *Check) RunCycle(ctx context.Context) error {
	status, err := fetchPower(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) || errors.Is(err, platform.ErrRateLimited) {
			return c.stream.Append(csvstream.Record{"ts": csvstream.Now()})
		}
		return err
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":                 csvstream.Now(),
		"percent":            strconv.Itoa(status.Percent),
		"plugged":            fmt.Sprintf("%t", status.Plugged),
		"charging":           fmt.Sprintf("%t", status.Charging),
		"time_remaining_min": strconv.Itoa(status.TimeRemainingMin),
		"source":             status.Source,
	}); err != nil {
		return errors.Wrap(err, "recording power sample")
	}
	c.SetLastResult(status)
	return nil
}

// Status reports the latest snapshot.
func (c *Check) Status() interface{} {
	return c.LastResult()
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

var (
	percentRe   = regexp.MustCompile(`(\d+)%`)
	remainingRe = regexp.MustCompile(`(\d+):(\d+) remaining`)
)

// pmsetBattery shells out to pmset. The platform runner enforces the
// SPPower floor and long cache since this state moves slowly.
func pmsetBattery(ctx context.Context, runner *platform.Runner) (Status, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:        "pmset",
		Args:        []string{"-g", "batt"},
		Timeout:     platform.DefaultTimeout,
		MinInterval: platform.MinIntervalSPPower,
		CacheTTL:    platform.CacheTTLSPPower,
	})
	if err != nil {
		return Status{}, err
	}
	return parsePmset(string(out)), nil
}

func parsePmset(out string) Status {
	status := Status{Percent: -1, TimeRemainingMin: -1}

	if strings.Contains(out, "AC Power") {
		status.Plugged = true
		status.Source = "ac"
	} else if strings.Contains(out, "Battery Power") {
		status.Source = "battery"
	}
	if m := percentRe.FindStringSubmatch(out); m != nil {
		status.Percent, _ = strconv.Atoi(m[1])
	}
	status.Charging = strings.Contains(out, "; charging")
	if m := remainingRe.FindStringSubmatch(out); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		status.TimeRemainingMin = h*60 + min
	}
	return status
}
