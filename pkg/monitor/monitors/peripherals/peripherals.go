// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package peripherals inventories USB, Bluetooth, and Thunderbolt devices
// and emits connect/disconnect events between cycles.
package peripherals

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "peripherals"
	defaultInterval = 300 * time.Second
)

// fetchInventory is swapped in tests.
var fetchInventory = collectInventory

// Device is one attached peripheral.
type Device struct {
	Bus  string `json:"bus"` // usb, bluetooth, thunderbolt
	Name string `json:"name"`
	ID   string `json:"device_id"`
}

// Check keeps the last inventory and diffs against it.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	events *csvstream.Stream
	runner *platform.Runner

	known map[string]Device
}

// New opens both ring-logs and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "peripherals.csv"),
		[]string{"ts", "bus", "name", "device_id"},
		1000, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening peripherals stream")
	}
	events, err := csvstream.New(
		filepath.Join(dataDir, "peripheral_events.csv"),
		[]string{"ts", "event", "bus", "name", "device_id"},
		500, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening peripheral event stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		events: events,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle snapshots the inventory and emits diffs. The platform runner's
// 300 s floor on the system_profiler calls keeps this cheap even when the
// embedder asks for a shorter cadence.
func (c *Check) RunCycle(ctx context.Context) error {
	devices, err := fetchInventory(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) || errors.Is(err, platform.ErrRateLimited) {
			return nil
		}
		return err
	}

	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		current[d.ID] = d
		if err := c.stream.Append(csvstream.Record{
			"ts":        csvstream.Now(),
			"bus":       d.Bus,
			"name":      d.Name,
			"device_id": d.ID,
		}); err != nil {
			return errors.Wrap(err, "recording inventory")
		}
	}

	if c.known != nil {
		for id, d := range current {
			if _, ok := c.known[id]; !ok {
				c.appendEvent("connected", d)
			}
		}
		for id, d := range c.known {
			if _, ok := current[id]; !ok {
				c.appendEvent("disconnected", d)
			}
		}
	}

	c.known = current
	c.SetLastResult(devices)
	return nil
}

func (c *Check) appendEvent(event string, d Device) {
	if err := c.events.Append(csvstream.Record{
		"ts":        csvstream.Now(),
		"event":     event,
		"bus":       d.Bus,
		"name":      d.Name,
		"device_id": d.ID,
	}); err != nil {
		c.Warnf("recording peripheral event: %v", err) //nolint:errcheck
	}
}

// Status reports the current inventory. It reads only the Base-guarded
// last result; c.known stays private to the cycle loop.
func (c *Check) Status() interface{} {
	devices, _ := c.LastResult().([]Device)
	return map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}
}

// History returns the event tail, which is what operators ask for.
func (c *Check) History() interface{} {
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

// profiler output shapes, trimmed to the fields used.
type profilerItem struct {
	Name     string         `json:"_name"`
	Serial   string         `json:"serial_num"`
	Location string         `json:"location_id"`
	Items    []profilerItem `json:"_items"`
}

type profilerDoc struct {
	SPUSBDataType         []profilerItem `json:"SPUSBDataType"`
	SPBluetoothDataType   []profilerItem `json:"SPBluetoothDataType"`
	SPThunderboltDataType []profilerItem `json:"SPThunderboltDataType"`
}

// collectInventory walks the three buses through system_profiler. Each bus
// carries its own rate-limit floor.
func collectInventory(ctx context.Context, runner *platform.Runner) ([]Device, error) {
	var devices []Device
	buses := []struct {
		dataType    string
		bus         string
		minInterval time.Duration
	}{
		{"SPUSBDataType", "usb", platform.MinIntervalSPUSB},
		{"SPBluetoothDataType", "bluetooth", platform.MinIntervalSPBluetooth},
		{"SPThunderboltDataType", "thunderbolt", platform.MinIntervalSPThunderbolt},
	}

	var lastErr error
	got := false
	for _, b := range buses {
		out, err := runner.Output(ctx, platform.Call{
			Name:        "system_profiler",
			Args:        []string{b.dataType, "-json"},
			Timeout:     platform.DefaultTimeout,
			MinInterval: b.minInterval,
		})
		if err != nil {
			lastErr = err
			continue
		}
		got = true

		var doc profilerDoc
		if err := json.Unmarshal(out, &doc); err != nil {
			lastErr = errors.Wrapf(err, "parsing %s", b.dataType)
			continue
		}
		for _, items := range [][]profilerItem{doc.SPUSBDataType, doc.SPBluetoothDataType, doc.SPThunderboltDataType} {
			devices = append(devices, flatten(b.bus, items)...)
		}
	}
	if !got {
		return nil, lastErr
	}
	return devices, nil
}

func flatten(bus string, items []profilerItem) []Device {
	var out []Device
	for _, item := range items {
		id := item.Serial
		if id == "" {
			id = item.Location
		}
		if id == "" {
			id = item.Name
		}
		if item.Name != "" {
			out = append(out, Device{Bus: bus, Name: item.Name, ID: id})
		}
		out = append(out, flatten(bus, item.Items)...)
	}
	return out
}
