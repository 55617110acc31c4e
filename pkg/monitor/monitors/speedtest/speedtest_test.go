// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package speedtest

import (
	"context"
	"testing"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor/platform"
	"github.com/sraths91/atlas/pkg/types"
)

type captureSink struct {
	results []types.SpeedtestResult
}

func (s *captureSink) Publish(_ context.Context, r types.SpeedtestResult) error {
	s.results = append(s.results, r)
	return nil
}

func stubTest(t *testing.T, result types.SpeedtestResult) {
	t.Helper()
	orig := runTest
	runTest = func(context.Context, *platform.Runner) (types.SpeedtestResult, error) {
		return result, nil
	}
	t.Cleanup(func() { runTest = orig })
}

func stubCounters(t *testing.T, totals ...uint64) {
	t.Helper()
	orig := netCounters
	i := 0
	netCounters = func(bool) ([]gopsnet.IOCountersStat, error) {
		total := totals[len(totals)-1]
		if i < len(totals) {
			total = totals[i]
			i++
		}
		return []gopsnet.IOCountersStat{{BytesRecv: total}}, nil
	}
	t.Cleanup(func() { netCounters = orig })
}

func TestCycleRecordsAndPublishes(t *testing.T) {
	stubTest(t, types.SpeedtestResult{DownloadMbps: 250, UploadMbps: 25, PingMS: 11})
	stubCounters(t, 0)

	sink := &captureSink{}
	c, err := New(t.TempDir(), sink)
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	tail := c.History().([]csvstream.Record)
	require.Len(t, tail, 1)
	assert.Equal(t, "250.00", tail[0]["download_mbps"])

	require.Len(t, sink.results, 1)
	assert.Equal(t, float64(250), sink.results[0].DownloadMbps)
	assert.False(t, sink.results[0].TS.IsZero())
}

func TestSkipsUnderLoad(t *testing.T) {
	stubTest(t, types.SpeedtestResult{DownloadMbps: 250})
	// second sample shows a huge counter jump over a tiny interval
	stubCounters(t, 0, 1<<30)

	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, c.RunCycle(context.Background()), "first cycle primes the baseline")
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.RunCycle(context.Background()))

	assert.Equal(t, int64(1), c.skipped.Load())
	tail := c.History().([]csvstream.Record)
	assert.Len(t, tail, 1, "loaded cycle produced no measurement")
}

func TestTriggerIgnoresLoad(t *testing.T) {
	stubTest(t, types.SpeedtestResult{DownloadMbps: 100})
	stubCounters(t, 0, 1<<30)

	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	time.Sleep(5 * time.Millisecond)

	result, err := c.TriggerRun(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(100), result.(types.SpeedtestResult).DownloadMbps)
}

func TestStatusSafeDuringCycles(t *testing.T) {
	stubTest(t, types.SpeedtestResult{DownloadMbps: 100})
	// every cycle after the first sees a huge counter jump and skips
	stubCounters(t, 0, 1<<30, 1<<31, 1<<32, 1<<33, 1<<34)

	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			assert.NoError(t, c.RunCycle(context.Background()))
			time.Sleep(time.Millisecond)
		}
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		c.Status()
	}

	status := c.Status().(map[string]interface{})
	assert.Equal(t, int64(4), status["skipped_cycles"])
}

func TestMissingToolYieldsNoData(t *testing.T) {
	orig := runTest
	runTest = func(context.Context, *platform.Runner) (types.SpeedtestResult, error) {
		return types.SpeedtestResult{}, platform.ErrBinaryMissing
	}
	t.Cleanup(func() { runTest = orig })
	stubCounters(t, 0)

	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	tail := c.History().([]csvstream.Record)
	require.Len(t, tail, 1)
	assert.Empty(t, tail[0]["download_mbps"])
}
