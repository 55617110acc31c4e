// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package wifi samples the wireless link: signal metrics, a derived quality
// score, and association change events.
package wifi

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "wifi"
	defaultInterval = 60 * time.Second

	airportBin = "/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport"
)

// FetchInfo is swapped in tests.
var FetchInfo = fetchAirportInfo

// Info is one parsed association snapshot.
type Info struct {
	SSID    string  `json:"ssid"`
	BSSID   string  `json:"bssid"`
	RSSI    int     `json:"rssi"`
	Noise   int     `json:"noise"`
	Channel string  `json:"channel"`
	TxRate  float64 `json:"tx_rate"`
}

// SNR is the signal-over-noise margin in dB.
func (i Info) SNR() int {
	return i.RSSI - i.Noise
}

// QualityScore maps the link metrics onto 0..100. RSSI carries most of the
// weight, SNR the rest.
func (i Info) QualityScore() int {
	rssiScore := clamp((i.RSSI+90)*100/60, 0, 100) // -90 dBm..-30 dBm
	snrScore := clamp(i.SNR()*100/40, 0, 100)      // 0..40 dB
	return (rssiScore*7 + snrScore*3) / 10
}

// Check samples the association and emits change events.
type Check struct {
	monitor.Base
	stream *csvstream.Stream
	events *csvstream.Stream
	runner *platform.Runner

	lastSSID  string
	lastBSSID string
}

// New opens both ring-logs and returns the check.
func New(dataDir string) (*Check, error) {
	stream, err := csvstream.New(
		filepath.Join(dataDir, "wifi.csv"),
		[]string{"ts", "ssid", "bssid", "rssi", "noise", "snr", "channel", "tx_rate", "quality_score"},
		500, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening wifi stream")
	}
	events, err := csvstream.New(
		filepath.Join(dataDir, "wifi_events.csv"),
		[]string{"ts", "event", "old", "new"},
		200, 30,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening wifi event stream")
	}
	return &Check{
		Base:   monitor.NewBase(monitorName, defaultInterval),
		stream: stream,
		events: events,
		runner: platform.NewRunner(),
	}, nil
}

// RunCycle samples the association. A missing platform binary yields a
// no-data record, never a failed cycle.
func (c *Check) RunCycle(ctx context.Context) error {
	info, err := FetchInfo(ctx, c.runner)
	if err != nil {
		if errors.Is(err, platform.ErrBinaryMissing) || errors.Is(err, platform.ErrProbeTimeout) {
			return c.stream.Append(csvstream.Record{"ts": csvstream.Now()})
		}
		return err
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":            csvstream.Now(),
		"ssid":          info.SSID,
		"bssid":         info.BSSID,
		"rssi":          strconv.Itoa(info.RSSI),
		"noise":         strconv.Itoa(info.Noise),
		"snr":           strconv.Itoa(info.SNR()),
		"channel":       info.Channel,
		"tx_rate":       fmt.Sprintf("%.1f", info.TxRate),
		"quality_score": strconv.Itoa(info.QualityScore()),
	}); err != nil {
		return errors.Wrap(err, "recording wifi sample")
	}

	c.emitChanges(info)
	c.SetLastResult(info)
	return nil
}

func (c *Check) emitChanges(info Info) {
	if c.lastSSID != "" && info.SSID != c.lastSSID {
		c.appendEvent("ssid_change", c.lastSSID, info.SSID)
	} else if c.lastBSSID != "" && info.BSSID != c.lastBSSID {
		c.appendEvent("bssid_change", c.lastBSSID, info.BSSID)
	}
	c.lastSSID = info.SSID
	c.lastBSSID = info.BSSID
}

func (c *Check) appendEvent(event, old, new string) {
	if err := c.events.Append(csvstream.Record{
		"ts":    csvstream.Now(),
		"event": event,
		"old":   old,
		"new":   new,
	}); err != nil {
		c.Warnf("recording wifi event: %v", err) //nolint:errcheck
	}
}

// Status reports the latest association and score.
func (c *Check) Status() interface{} {
	status := map[string]interface{}{"associated": false}
	if info, ok := c.LastResult().(Info); ok {
		status["associated"] = info.SSID != ""
		status["info"] = info
		status["quality_score"] = info.QualityScore()
	}
	return status
}

// History returns the sample tail.
func (c *Check) History() interface{} {
	return c.stream.Tail()
}

// Events returns the change event tail.
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

// fetchAirportInfo shells out to the airport utility. The platform runner
// enforces the 60 s floor and the near-interval cache for this probe.
func fetchAirportInfo(ctx context.Context, runner *platform.Runner) (Info, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:        airportBin,
		Args:        []string{"-I"},
		Timeout:     platform.DefaultTimeout,
		MinInterval: platform.MinIntervalSPAirPort,
		CacheTTL:    platform.CacheTTLSPAirPort,
	})
	if err != nil {
		return Info{}, err
	}
	return parseAirport(string(out)), nil
}

func parseAirport(out string) Info {
	info := Info{}
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "SSID":
			info.SSID = value
		case "BSSID":
			info.BSSID = value
		case "agrCtlRSSI":
			info.RSSI, _ = strconv.Atoi(value)
		case "agrCtlNoise":
			info.Noise, _ = strconv.Atoi(value)
		case "channel":
			info.Channel = value
		case "lastTxRate":
			info.TxRate, _ = strconv.ParseFloat(value, 64)
		}
	}
	return info
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
