// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package saas probes a configured set of SaaS endpoints with TCP connects
// and optional HTTP requests, summarized per category.
package saas

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
)

const (
	monitorName     = "saas"
	defaultInterval = 60 * time.Second

	probeTimeout = 5 * time.Second
)

// Endpoint is one probe target.
type Endpoint struct {
	Name     string `json:"name" mapstructure:"name"`
	Category string `json:"category" mapstructure:"category"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	HTTPURL  string `json:"http_url,omitempty" mapstructure:"http_url"`
}

// DefaultEndpoints cover the common suites.
var DefaultEndpoints = []Endpoint{
	{Name: "google-workspace", Category: "productivity", Host: "workspace.google.com", Port: 443, HTTPURL: "https://workspace.google.com"},
	{Name: "slack", Category: "messaging", Host: "slack.com", Port: 443, HTTPURL: "https://slack.com"},
	{Name: "zoom", Category: "conferencing", Host: "zoom.us", Port: 443},
	{Name: "github", Category: "engineering", Host: "github.com", Port: 443},
}

// Probe shims, swapped in tests.
var (
	dialEndpoint = tcpDial
	httpProbe    = httpGet
)

// Result is one endpoint measurement.
type Result struct {
	Endpoint  string  `json:"endpoint_name"`
	Category  string  `json:"category"`
	Reachable bool    `json:"reachable"`
	LatencyMS float64 `json:"latency_ms"`
}

// CategorySummary rolls endpoint results up per category.
type CategorySummary struct {
	Total        int     `json:"total"`
	Reachable    int     `json:"reachable"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Check probes every endpoint each cycle.
type Check struct {
	monitor.Base
	stream    *csvstream.Stream
	endpoints []Endpoint
}

// New opens the ring-log and returns the check.
func New(dataDir string, endpoints []Endpoint) (*Check, error) {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	stream, err := csvstream.New(
		filepath.Join(dataDir, "saas.csv"),
		[]string{"ts", "endpoint_name", "category", "reachable", "latency_ms"},
		1000, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening saas stream")
	}
	return &Check{
		Base:      monitor.NewBase(monitorName, defaultInterval),
		stream:    stream,
		endpoints: endpoints,
	}, nil
}

// RunCycle probes every endpoint. An unreachable endpoint is a data point,
// not a cycle failure.
func (c *Check) RunCycle(ctx context.Context) error {
	results := make([]Result, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		res := c.probe(ctx, ep)
		results = append(results, res)

		reachable := "false"
		if res.Reachable {
			reachable = "true"
		}
		if err := c.stream.Append(csvstream.Record{
			"ts":            csvstream.Now(),
			"endpoint_name": res.Endpoint,
			"category":      res.Category,
			"reachable":     reachable,
			"latency_ms":    fmt.Sprintf("%.1f", res.LatencyMS),
		}); err != nil {
			return errors.Wrap(err, "recording saas result")
		}
	}
	c.SetLastResult(results)
	return nil
}

// probe runs the TCP connect and, when configured, layers the HTTP check
// on top. HTTP latency replaces connect latency when both succeed.
func (c *Check) probe(ctx context.Context, ep Endpoint) Result {
	res := Result{Endpoint: ep.Name, Category: ep.Category}

	start := time.Now()
	if err := dialEndpoint(ctx, net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))); err != nil {
		return res
	}
	res.Reachable = true
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if ep.HTTPURL != "" {
		start = time.Now()
		if err := httpProbe(ctx, ep.HTTPURL); err != nil {
			res.Reachable = false
			return res
		}
		res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	}
	return res
}

// Summary groups the latest cycle per category.
func (c *Check) Summary() map[string]CategorySummary {
	results, _ := c.LastResult().([]Result)
	out := map[string]CategorySummary{}
	latencySum := map[string]float64{}

	for _, r := range results {
		s := out[r.Category]
		s.Total++
		if r.Reachable {
			s.Reachable++
			latencySum[r.Category] += r.LatencyMS
		}
		out[r.Category] = s
	}
	for cat, s := range out {
		if s.Reachable > 0 {
			s.AvgLatencyMS = latencySum[cat] / float64(s.Reachable)
			out[cat] = s
		}
	}
	return out
}

// Status reports per-endpoint results plus the category rollup.
func (c *Check) Status() interface{} {
	return map[string]interface{}{
		"endpoints":  c.LastResult(),
		"categories": c.Summary(),
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

func tcpDial(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

var probeClient = &http.Client{Timeout: probeTimeout}

func httpGet(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
