// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package security scores the endpoint's security posture from the
// platform's own switches: firewall, disk encryption, Gatekeeper, SIP,
// screen lock, and pending updates.
package security

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "security"
	defaultInterval = 300 * time.Second
)

// fetchPosture is swapped in tests.
var fetchPosture = collectPosture

// Posture is the flag set one cycle observes.
type Posture struct {
	Firewall       bool `json:"firewall"`
	FileVault      bool `json:"filevault"`
	Gatekeeper     bool `json:"gatekeeper"`
	SIP            bool `json:"sip"`
	ScreenLock     bool `json:"screen_lock"`
	UpdatesCurrent bool `json:"updates_current"`
}

// flag weights, summing to 100
var weights = []struct {
	name   string
	get    func(Posture) bool
	weight int
}{
	{"filevault", func(p Posture) bool { return p.FileVault }, 25},
	{"sip", func(p Posture) bool { return p.SIP }, 20},
	{"firewall", func(p Posture) bool { return p.Firewall }, 20},
	{"gatekeeper", func(p Posture) bool { return p.Gatekeeper }, 15},
	{"screen_lock", func(p Posture) bool { return p.ScreenLock }, 10},
	{"updates_current", func(p Posture) bool { return p.UpdatesCurrent }, 10},
}

// Score maps the flags onto 0..100.
func (p Posture) Score() int {
	score := 0
	for _, w := range weights {
		if w.get(p) {
			score += w.weight
		}
	}
	return score
}

// Check samples the posture and emits diff events on transitions.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	events *csvstream.Stream
	runner *platform.Runner

	last *Posture
}

// New opens both ring-logs and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "security.csv"),
		[]string{"ts", "firewall", "filevault", "gatekeeper", "sip", "screen_lock", "updates_current", "score"},
		500, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening security stream")
	}
	events, err := csvstream.New(
		filepath.Join(dataDir, "security_events.csv"),
		[]string{"ts", "flag", "old", "new"},
		200, 90,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening security event stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		events: events,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle samples the flags, records them with the score, and diffs
// against the previous cycle.
func (c *Check) RunCycle(ctx context.Context) error {
	posture, err := fetchPosture(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) {
			return nil
		}
		return err
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":              csvstream.Now(),
		"firewall":        fmt.Sprintf("%t", posture.Firewall),
		"filevault":       fmt.Sprintf("%t", posture.FileVault),
		"gatekeeper":      fmt.Sprintf("%t", posture.Gatekeeper),
		"sip":             fmt.Sprintf("%t", posture.SIP),
		"screen_lock":     fmt.Sprintf("%t", posture.ScreenLock),
		"updates_current": fmt.Sprintf("%t", posture.UpdatesCurrent),
		"score":           fmt.Sprintf("%d", posture.Score()),
	}); err != nil {
		return errors.Wrap(err, "recording posture")
	}

	if c.last != nil {
		c.diff(*c.last, posture)
	}
	c.last = &posture
	c.SetDegraded(posture.Score() < 60)
	c.SetLastResult(posture)
	return nil
}

func (c *Check) diff(old, new Posture) {
	pairs := []struct {
		flag     string
		was, now bool
	}{
		{"firewall", old.Firewall, new.Firewall},
		{"filevault", old.FileVault, new.FileVault},
		{"gatekeeper", old.Gatekeeper, new.Gatekeeper},
		{"sip", old.SIP, new.SIP},
		{"screen_lock", old.ScreenLock, new.ScreenLock},
		{"updates_current", old.UpdatesCurrent, new.UpdatesCurrent},
	}
	for _, p := range pairs {
		if p.was == p.now {
			continue
		}
		if err := c.events.Append(csvstream.Record{
			"ts":   csvstream.Now(),
			"flag": p.flag,
			"old":  fmt.Sprintf("%t", p.was),
			"new":  fmt.Sprintf("%t", p.now),
		}); err != nil {
			c.Warnf("recording posture event: %v", err) //nolint:errcheck
		}
	}
}

// Status reports the current flags and score.
func (c *Check) Status() interface{} {
	status := map[string]interface{}{}
	if posture, ok := c.LastResult().(Posture); ok {
		status["posture"] = posture
		status["score"] = posture.Score()
	}
	return status
}

// History returns the sample tail.
func (c *Check) History() interface{} {
	return c.stream.Tail()
}

// Events returns the transition tail.
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

// collectPosture queries each switch. Any single probe failing leaves that
// flag false rather than failing the cycle; most of these commands exist
// on every macOS install.
func collectPosture(ctx context.Context, runner *platform.Runner) (Posture, error) {
	probe := func(name string, args ...string) string {
		out, err := runner.Output(ctx, platform.Call{
			Name:    name,
			Args:    args,
			Timeout: platform.DefaultTimeout,
		})
		if err != nil {
			return ""
		}
		return string(out)
	}

	p := Posture{
		Firewall:   strings.Contains(probe("/usr/libexec/ApplicationFirewall/socketfilterfw", "--getglobalstate"), "enabled"),
		FileVault:  strings.Contains(probe("fdesetup", "status"), "FileVault is On"),
		Gatekeeper: strings.Contains(probe("spctl", "--status"), "assessments enabled"),
		SIP:        strings.Contains(probe("csrutil", "status"), "enabled"),
		ScreenLock: strings.Contains(probe("sysadminctl", "-screenLock", "status"), "screenLock is on"),
	}
	updates := probe("softwareupdate", "-l", "--no-scan")
	p.UpdatesCurrent = updates == "" || strings.Contains(updates, "No new software available")
	return p, nil
}
