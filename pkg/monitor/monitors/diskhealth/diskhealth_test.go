// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package diskhealth

import (
	"context"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/csvstream"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

func stubProbes(t *testing.T, usage *disk.UsageStat, smart string, smartErr error) {
	t.Helper()
	origUsage, origSMART := diskUsage, fetchSMART
	diskUsage = func(string) (*disk.UsageStat, error) { return usage, nil }
	fetchSMART = func(context.Context, *platform.Runner) (string, error) { return smart, smartErr }
	t.Cleanup(func() { diskUsage, fetchSMART = origUsage, origSMART })
}

const gb = 1024 * 1024 * 1024

func TestCycleRecordsSample(t *testing.T) {
	stubProbes(t, &disk.UsageStat{Total: 500 * gb, Used: 200 * gb, UsedPercent: 40.0}, "verified", nil)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	tail := c.History().([]csvstream.Record)
	require.Len(t, tail, 1)
	assert.Equal(t, "200.0", tail[0]["used_gb"])
	assert.Equal(t, "500.0", tail[0]["total_gb"])
	assert.Equal(t, "40.0", tail[0]["percent"])
	assert.Equal(t, "verified", tail[0]["smart_status"])
	assert.False(t, c.Degraded())
}

func TestNearlyFullDiskDegrades(t *testing.T) {
	stubProbes(t, &disk.UsageStat{Total: 500 * gb, Used: 470 * gb, UsedPercent: 94.0}, "verified", nil)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	assert.True(t, c.Degraded())
}

func TestFailingSMARTDegrades(t *testing.T) {
	stubProbes(t, &disk.UsageStat{Total: 500 * gb, Used: 100 * gb, UsedPercent: 20.0}, "failing", nil)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	assert.True(t, c.Degraded())
}

func TestSMARTUnavailableStillRecords(t *testing.T) {
	stubProbes(t, &disk.UsageStat{Total: 500 * gb, Used: 100 * gb, UsedPercent: 20.0}, "", platform.ErrBinaryMissing)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	tail := c.History().([]csvstream.Record)
	require.Len(t, tail, 1)
	assert.Equal(t, "unknown", tail[0]["smart_status"])
	assert.False(t, c.Degraded())
}

func TestSMARTParsing(t *testing.T) {
	cases := []struct {
		out  string
		want string
	}{
		{"   SMART Status:              Verified\n", "verified"},
		{"   SMART Status:              Not Supported\n", "unsupported"},
		{"   SMART Status:              Failing\n", "failing"},
		{"no such field\n", "unknown"},
	}
	for _, tc := range cases {
		m := smartRe.FindStringSubmatch(tc.out)
		got := "unknown"
		if m != nil {
			switch s := m[1]; {
			case s == "Verified":
				got = "verified"
			case s == "Not Supported":
				got = "unsupported"
			default:
				got = "failing"
			}
		}
		assert.Equal(t, tc.want, got, tc.out)
	}
}
