// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package process watches the process table: the heaviest consumers by
// CPU and by memory, plus zombies and processes stuck at full burn.
package process

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
)

const (
	monitorName     = "process"
	defaultInterval = 5 * time.Second

	topN = 5

	// a process above this CPU share for stuckCycles consecutive
	// samples is flagged as stuck
	stuckCPUPct = 95.0
	stuckCycles = 3
)

// snapshotProcesses is swapped in tests.
var snapshotProcesses = gopsutilSnapshot

// Proc is one process observation.
type Proc struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	Status     string  `json:"status"` // running, sleeping, zombie, ...
}

// Snapshot is what one cycle reports.
type Snapshot struct {
	TopCPU  []Proc  `json:"top_cpu"`
	TopMem  []Proc  `json:"top_mem"`
	Zombies []Proc  `json:"zombies"`
	Stuck   []int32 `json:"stuck_pids"`
	Total   int     `json:"total"`
}

// Check samples the process table each cycle.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	events *csvstream.Stream

	// hot streaks per PID, reset when CPU drops or the PID vanishes
	hotStreak map[int32]int
	// PIDs already flagged this streak, so a stuck process is reported once
	flagged map[int32]bool
}

// New opens the ring-logs and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "process.csv"),
		[]string{"ts", "total", "top_cpu", "top_mem", "zombies"},
		1000, 3,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening process stream")
	}
	events, err := csvstream.New(
		filepath.Join(dataDir, "process_events.csv"),
		[]string{"ts", "event", "pid", "name", "detail"},
		200, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening process event stream")
	}
	return &Check{
		Base:      monitor.NewBase(monitorName, defaultInterval),
		stream:    stream,
		events:    events,
		hotStreak: map[int32]int{},
		flagged:   map[int32]bool{},
	}, nil
}

// RunCycle snapshots the table, records the heavy hitters, and tracks
// hot streaks for stuck detection.
func (c *Check) RunCycle(ctx context.Context) error {
	procs, err := snapshotProcesses(ctx)
	if err != nil {
		return errors.Wrap(err, "snapshotting processes")
	}

	snap := Snapshot{
		TopCPU: topBy(procs, func(a, b Proc) bool { return a.CPUPercent > b.CPUPercent }),
		TopMem: topBy(procs, func(a, b Proc) bool { return a.MemRSS > b.MemRSS }),
		Total:  len(procs),
	}
	for _, p := range procs {
		if p.Status == "zombie" {
			snap.Zombies = append(snap.Zombies, p)
		}
	}
	snap.Stuck = c.trackStuck(procs)

	for _, z := range snap.Zombies {
		// zombies are reported every cycle they linger; their parent
		// owes them a wait()
		if err := c.events.Append(csvstream.Record{
			"ts":     csvstream.Now(),
			"event":  "zombie",
			"pid":    strconv.Itoa(int(z.PID)),
			"name":   z.Name,
			"detail": "",
		}); err != nil {
			c.Warnf("recording zombie event: %v", err) //nolint:errcheck
		}
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":      csvstream.Now(),
		"total":   strconv.Itoa(snap.Total),
		"top_cpu": summarize(snap.TopCPU, func(p Proc) string { return fmt.Sprintf("%s:%.1f", p.Name, p.CPUPercent) }),
		"top_mem": summarize(snap.TopMem, func(p Proc) string { return fmt.Sprintf("%s:%d", p.Name, p.MemRSS/1024/1024) }),
		"zombies": strconv.Itoa(len(snap.Zombies)),
	}); err != nil {
		return errors.Wrap(err, "recording process sample")
	}

	c.SetDegraded(len(snap.Stuck) > 0 || len(snap.Zombies) > 0)
	c.SetLastResult(snap)
	return nil
}

// trackStuck advances per-PID hot streaks and returns the PIDs newly
// crossing the threshold this cycle.
func (c *Check) trackStuck(procs []Proc) []int32 {
	seen := map[int32]bool{}
	var stuck []int32
	for _, p := range procs {
		seen[p.PID] = true
		if p.CPUPercent <= stuckCPUPct {
			delete(c.hotStreak, p.PID)
			delete(c.flagged, p.PID)
			continue
		}
		c.hotStreak[p.PID]++
		if c.hotStreak[p.PID] >= stuckCycles && !c.flagged[p.PID] {
			c.flagged[p.PID] = true
			stuck = append(stuck, p.PID)
			if err := c.events.Append(csvstream.Record{
				"ts":     csvstream.Now(),
				"event":  "stuck",
				"pid":    strconv.Itoa(int(p.PID)),
				"name":   p.Name,
				"detail": fmt.Sprintf("%.1f%% cpu for %d samples", p.CPUPercent, c.hotStreak[p.PID]),
			}); err != nil {
				c.Warnf("recording stuck event: %v", err) //nolint:errcheck
			}
		}
	}
	for pid := range c.hotStreak {
		if !seen[pid] {
			delete(c.hotStreak, pid)
			delete(c.flagged, pid)
		}
	}
	return stuck
}

func topBy(procs []Proc, less func(a, b Proc) bool) []Proc {
	sorted := make([]Proc, len(procs))
	copy(sorted, procs)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	return sorted
}

func summarize(procs []Proc, format func(Proc) string) string {
	parts := make([]string, 0, len(procs))
	for _, p := range procs {
		parts = append(parts, format(p))
	}
	return strings.Join(parts, "|")
}

// Status reports the latest snapshot and verdict.
func (c *Check) Status() interface{} {
	return map[string]interface{}{
		"latest":   c.LastResult(),
		"degraded": c.Degraded(),
	}
}

// History returns the sample tail.
func (c *Check) History() interface{} {
	return c.stream.Tail()
}

// Events returns the zombie and stuck event tail.
func (c *Check) Events() []csvstream.Record {
	return c.events.Tail()
}

// ExportPath names the CSV file backing this monitor.
func (c *Check) ExportPath() string {
	return c.stream.Path()
}

// OnCleanup prunes both streams.
func (c *Check) OnCleanup() {
	c.stream.PruneNow() //nolint:errcheck
	c.events.PruneNow() //nolint:errcheck
}

// gopsutilSnapshot walks the live table. Per-process reads race with
// process exit, so individual failures are skipped.
func gopsutilSnapshot(ctx context.Context) ([]Proc, error) {
	list, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	procs := make([]Proc, 0, len(list))
	for _, p := range list {
		info := Proc{PID: p.Pid}
		if info.Name, err = p.NameWithContext(ctx); err != nil {
			continue
		}
		if info.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
			continue
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			info.MemRSS = mem.RSS
		}
		if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
			info.Status = statuses[0]
		}
		procs = append(procs, info)
	}
	return procs, nil
}
