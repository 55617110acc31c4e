// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package netquality measures the layers a user feels: DNS latency across
// resolvers, TLS handshake time, HTTP response time, and the TCP
// retransmission rate.
package netquality

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

const (
	monitorName     = "netquality"
	defaultInterval = 60 * time.Second

	probeTimeout = 5 * time.Second
	dnsProbeName = "example.com"
	tlsProbeHost = "www.apple.com:443"
	httpProbeURL = "https://www.apple.com/library/test/success.html"
)

var defaultResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Probe shims, swapped in tests.
var (
	dnsQuery      = resolveAgainst
	tlsHandshake  = timeTLSHandshake
	httpResponse  = timeHTTPResponse
	fetchNetstats = netstatCounters
)

// Sample is one cycle's measurements. Negative values mean no data for
// that layer.
type Sample struct {
	DNSAvgMS         float64 `json:"dns_avg_ms"`
	DNSWorstMS       float64 `json:"dns_worst_ms"`
	TLSHandshakeMS   float64 `json:"tls_handshake_ms"`
	HTTPResponseMS   float64 `json:"http_response_ms"`
	TCPRetransmitPct float64 `json:"tcp_retransmit_pct"`
}

// tcpCounters are the cumulative kernel counters retransmit rate is
// computed from.
type tcpCounters struct {
	SegmentsSent  uint64
	Retransmitted uint64
}

// Check runs the layered probes.
type Check struct {
	monitor.Base
	stream    *csvstream.Stream
	runner    *platform.Runner
	resolvers []string

	lastCounters *tcpCounters
}

// New opens the ring-log and returns the check.
func New(dataDir string, resolvers []string) (*Check, error) {
	if len(resolvers) == 0 {
		resolvers = defaultResolvers
	}
	stream, err := csvstream.New(
		filepath.Join(dataDir, "netquality.csv"),
		[]string{"ts", "dns_avg_ms", "dns_worst_ms", "tls_handshake_ms", "http_response_ms", "tcp_retransmit_pct"},
		500, 7,
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening netquality stream")
	}
	return &Check{
		Base:      monitor.NewBase(monitorName, defaultInterval),
		stream:    stream,
		runner:    platform.NewRunner(),
		resolvers: resolvers,
	}, nil
}

// RunCycle measures each layer independently; one layer failing never
// blanks the others.
func (c *Check) RunCycle(ctx context.Context) error {
	sample := Sample{TLSHandshakeMS: -1, HTTPResponseMS: -1, TCPRetransmitPct: -1}

	sample.DNSAvgMS, sample.DNSWorstMS = c.measureDNS(ctx)
	if d, err := tlsHandshake(ctx, tlsProbeHost); err == nil {
		sample.TLSHandshakeMS = ms(d)
	}
	if d, err := httpResponse(ctx, httpProbeURL); err == nil {
		sample.HTTPResponseMS = ms(d)
	}
	if pct, ok := c.measureRetransmits(ctx); ok {
		sample.TCPRetransmitPct = pct
	}

	if err := c.stream.Append(csvstream.Record{
		"ts":                 csvstream.Now(),
		"dns_avg_ms":         fmt.Sprintf("%.1f", sample.DNSAvgMS),
		"dns_worst_ms":       fmt.Sprintf("%.1f", sample.DNSWorstMS),
		"tls_handshake_ms":   fmt.Sprintf("%.1f", sample.TLSHandshakeMS),
		"http_response_ms":   fmt.Sprintf("%.1f", sample.HTTPResponseMS),
		"tcp_retransmit_pct": fmt.Sprintf("%.2f", sample.TCPRetransmitPct),
	}); err != nil {
		return errors.Wrap(err, "recording netquality sample")
	}
	c.SetLastResult(sample)
	return nil
}

// measureDNS queries every resolver and reports average and worst latency.
// Resolvers that fail are left out; all failing means -1.
func (c *Check) measureDNS(ctx context.Context) (avg, worst float64) {
	var sum float64
	n := 0
	worst = -1
	for _, resolver := range c.resolvers {
		d, err := dnsQuery(ctx, resolver, dnsProbeName)
		if err != nil {
			continue
		}
		latency := ms(d)
		sum += latency
		n++
		if latency > worst {
			worst = latency
		}
	}
	if n == 0 {
		return -1, -1
	}
	return sum / float64(n), worst
}

// measureRetransmits derives a rate from the counter delta between cycles.
// The first cycle only primes the baseline.
func (c *Check) measureRetransmits(ctx context.Context) (float64, bool) {
	counters, err := fetchNetstats(ctx, c.runner)
	if err != nil {
		return 0, false
	}
	prev := c.lastCounters
	c.lastCounters = &counters
	if prev == nil {
		return 0, false
	}

	sent := counters.SegmentsSent - prev.SegmentsSent
	retrans := counters.Retransmitted - prev.Retransmitted
	if sent == 0 {
		return 0, true
	}
	return float64(retrans) / float64(sent) * 100, true
}

// Status reports the latest sample.
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

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// resolveAgainst queries one specific resolver, bypassing the system one.
func resolveAgainst(ctx context.Context, resolver, name string) (time.Duration, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: probeTimeout}
			return d.DialContext(ctx, network, resolver)
		},
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.LookupHost(ctx, name)
	return time.Since(start), err
}

func timeTLSHandshake(ctx context.Context, hostport string) (time.Duration, error) {
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: probeTimeout}}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

var probeClient = &http.Client{Timeout: probeTimeout}

func timeHTTPResponse(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := probeClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

var (
	segsSentRe = regexp.MustCompile(`(\d+) packets sent`)
	retransRe  = regexp.MustCompile(`(\d+) data packets? \(\d+ bytes?\) retransmitted`)
)

// netstatCounters reads cumulative TCP counters via netstat. The platform
// runner caches this probe briefly.
func netstatCounters(ctx context.Context, runner *platform.Runner) (tcpCounters, error) {
	out, err := runner.Output(ctx, platform.Call{
		Name:     "netstat",
		Args:     []string{"-s", "-p", "tcp"},
		Timeout:  10 * time.Second,
		CacheTTL: platform.CacheTTLIoreg,
	})
	if err != nil {
		return tcpCounters{}, err
	}
	return parseNetstat(string(out))
}

func parseNetstat(out string) (tcpCounters, error) {
	counters := tcpCounters{}
	if m := segsSentRe.FindStringSubmatch(out); m != nil {
		counters.SegmentsSent, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := retransRe.FindStringSubmatch(out); m != nil {
		counters.Retransmitted, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if counters.SegmentsSent == 0 {
		return counters, errors.New("no tcp counters in netstat output")
	}
	return counters, nil
}
