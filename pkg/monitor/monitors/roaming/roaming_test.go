// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package roaming

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/monitor/monitors/wifi"
	"github.com/sraths91/atlas/pkg/monitor/platform"
)

func stubAssociations(t *testing.T, infos ...wifi.Info) {
	t.Helper()
	orig := fetchInfo
	i := 0
	fetchInfo = func(context.Context, *platform.Runner) (wifi.Info, error) {
		if i >= len(infos) {
			return infos[len(infos)-1], nil
		}
		info := infos[i]
		i++
		return info, nil
	}
	t.Cleanup(func() { fetchInfo = orig })
}

func stubReachability(t *testing.T, results ...bool) {
	t.Helper()
	origProbe, origInterval := probeReachable, probeInterval
	probeInterval = time.Millisecond
	var i atomic.Int32
	probeReachable = func(context.Context) bool {
		n := int(i.Add(1)) - 1
		if n >= len(results) {
			return true
		}
		return results[n]
	}
	t.Cleanup(func() {
		probeReachable = origProbe
		probeInterval = origInterval
	})
}

func TestRoamEventOnBSSIDChange(t *testing.T) {
	stubAssociations(t,
		wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -60},
		wifi.Info{SSID: "corp", BSSID: "cc:dd", RSSI: -55},
	)
	stubReachability(t, false, false, true)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	require.NoError(t, c.RunCycle(context.Background()))

	events := c.events.Tail()
	require.Len(t, events, 1)
	assert.Equal(t, "roam", events[0]["event"])
	assert.Equal(t, "aa:bb", events[0]["old_bssid"])
	assert.Equal(t, "cc:dd", events[0]["new_bssid"])
	assert.NotEqual(t, "0", events[0]["roam_latency_ms"], "connectivity dropped, latency measured")
}

func TestSSIDChangeIsNotARoam(t *testing.T) {
	stubAssociations(t,
		wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -60},
		wifi.Info{SSID: "guest", BSSID: "cc:dd", RSSI: -60},
	)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	require.NoError(t, c.RunCycle(context.Background()))
	assert.Empty(t, c.events.Tail())
}

func TestStickyClientAfterThreeWeakCycles(t *testing.T) {
	stubAssociations(t, wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -80})

	c, err := New(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
		assert.False(t, c.sticky)
	}
	require.NoError(t, c.RunCycle(context.Background()))
	assert.True(t, c.sticky)
	assert.True(t, c.Degraded())

	events := c.events.Tail()
	require.Len(t, events, 1)
	assert.Equal(t, "sticky_client", events[0]["event"])

	// stays flagged without duplicate events
	require.NoError(t, c.RunCycle(context.Background()))
	assert.Len(t, c.events.Tail(), 1)
}

func TestStatusSafeDuringCycles(t *testing.T) {
	stubAssociations(t, wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -80})

	c, err := New(t.TempDir())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			assert.NoError(t, c.RunCycle(context.Background()))
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
	assert.True(t, status["sticky_client"].(bool))
}

func TestRoamClearsStickyStreak(t *testing.T) {
	stubAssociations(t,
		wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -80},
		wifi.Info{SSID: "corp", BSSID: "aa:bb", RSSI: -80},
		wifi.Info{SSID: "corp", BSSID: "cc:dd", RSSI: -55},
	)
	stubReachability(t, true)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}
	assert.False(t, c.sticky, "roam resets the weak streak")
	assert.Equal(t, 0, c.weakCycles)
}
