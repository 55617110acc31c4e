// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package vpn detects tunnel interfaces and reports connect/disconnect
// transitions. It looks at interface state only and never touches VPN
// configuration or credentials.
package vpn

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
)

const (
	monitorName     = "vpn"
	defaultInterval = 30 * time.Second
)

// tunnel interface name prefixes
var tunnelPrefixes = []string{"utun", "ipsec", "ppp", "wg", "tun", "tap"}

// listInterfaces is swapped in tests.
var listInterfaces = gopsnet.Interfaces

// State is the current VPN verdict.
type State struct {
	Connected bool   `json:"connected"`
	Interface string `json:"interface,omitempty"`
}

// Check watches for tunnel interfaces with routable addresses.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	events *csvstream.Stream

	last *State
}

// New opens both ring-logs and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "vpn.csv"),
		[]string{"ts", "connected", "interface"},
		500, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening vpn stream")
	}
	events, err := csvstream.New(
		filepath.Join(dataDir, "vpn_events.csv"),
		[]string{"ts", "event", "interface"},
		200, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening vpn event stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		events: events,
	}, nil
}

// RunCycle samples interface state and emits an event on transition.
func (c *Check) RunCycle(ctx context.Context) error {
	ifaces, err := listInterfaces()
	if err != nil {
		return errors.Wrap(err, "listing interfaces")
	}
	state := classify(ifaces)

	connected := "false"
	if state.Connected {
		connected = "true"
	}
	if err := c.stream.Append(csvstream.Record{
		"ts":        csvstream.Now(),
		"connected": connected,
		"interface": state.Interface,
	}); err != nil {
		return errors.Wrap(err, "recording vpn sample")
	}

	if c.last != nil && c.last.Connected != state.Connected {
		event := "disconnected"
		iface := c.last.Interface
		if state.Connected {
			event = "connected"
			iface = state.Interface
		}
		if err := c.events.Append(csvstream.Record{
			"ts":        csvstream.Now(),
			"event":     event,
			"interface": iface,
		}); err != nil {
			c.Warnf("recording vpn event: %v", err) //nolint:errcheck
		}
	}

	c.last = &state
	c.SetLastResult(state)
	return nil
}

// classify finds the first up tunnel interface holding a routable address.
// A bare utun with only a link-local address is the macOS default, not a
// VPN.
func classify(ifaces gopsnet.InterfaceStatList) State {
	for _, iface := range ifaces {
		if !isTunnelName(iface.Name) || !isUp(iface) {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := strings.SplitN(addr.Addr, "/", 2)[0]
			if ip == "" || strings.HasPrefix(ip, "fe80") {
				continue
			}
			return State{Connected: true, Interface: iface.Name}
		}
	}
	return State{}
}

func isTunnelName(name string) bool {
	for _, prefix := range tunnelPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isUp(iface gopsnet.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if flag == "up" {
			return true
		}
	}
	return false
}

// Status reports the current verdict. It reads only the Base-guarded last
// result; c.last stays private to the cycle loop.
func (c *Check) Status() interface{} {
	if state, ok := c.LastResult().(State); ok {
		return state
	}
	return State{}
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
