// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSnapshots(t *testing.T, snapshots ...[]Proc) {
	t.Helper()
	orig := snapshotProcesses
	i := 0
	snapshotProcesses = func(context.Context) ([]Proc, error) {
		s := snapshots[len(snapshots)-1]
		if i < len(snapshots) {
			s = snapshots[i]
			i++
		}
		return s, nil
	}
	t.Cleanup(func() { snapshotProcesses = orig })
}

func table(cpus ...float64) []Proc {
	procs := make([]Proc, 0, len(cpus))
	for i, cpu := range cpus {
		procs = append(procs, Proc{
			PID:        int32(100 + i),
			Name:       "proc" + string(rune('a'+i)),
			CPUPercent: cpu,
			MemRSS:     uint64(i+1) * 100 * 1024 * 1024,
			Status:     "running",
		})
	}
	return procs
}

func TestTopByCPUAndMemory(t *testing.T) {
	stubSnapshots(t, table(5, 90, 10, 2, 40, 1, 3))

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	snap := c.LastResult().(Snapshot)
	require.Len(t, snap.TopCPU, topN)
	assert.Equal(t, 90.0, snap.TopCPU[0].CPUPercent)
	assert.Equal(t, 40.0, snap.TopCPU[1].CPUPercent)
	// memory grows with index, so the last PID leads
	assert.Equal(t, int32(106), snap.TopMem[0].PID)
	assert.Equal(t, 7, snap.Total)
	assert.False(t, c.Degraded())
}

func TestZombieFlagged(t *testing.T) {
	procs := table(1, 2)
	procs[1].Status = "zombie"
	stubSnapshots(t, procs)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	snap := c.LastResult().(Snapshot)
	require.Len(t, snap.Zombies, 1)
	assert.Equal(t, int32(101), snap.Zombies[0].PID)
	assert.True(t, c.Degraded())

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "zombie", events[0]["event"])
	assert.Equal(t, "101", events[0]["pid"])
}

func TestStuckNeedsThreeConsecutiveSamples(t *testing.T) {
	hot := []Proc{{PID: 200, Name: "spin", CPUPercent: 99, Status: "running"}}
	cool := []Proc{{PID: 200, Name: "spin", CPUPercent: 10, Status: "running"}}
	stubSnapshots(t, hot, hot, cool, hot, hot, hot)

	c, err := New(t.TempDir())
	require.NoError(t, err)

	// two hot samples, then a cool one: streak resets, nothing flagged
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}
	assert.Empty(t, c.LastResult().(Snapshot).Stuck)
	assert.Empty(t, c.Events())

	// three hot in a row trips the flag
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}
	snap := c.LastResult().(Snapshot)
	require.Len(t, snap.Stuck, 1)
	assert.Equal(t, int32(200), snap.Stuck[0])
	assert.True(t, c.Degraded())

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "stuck", events[0]["event"])
}

func TestStuckFlaggedOncePerStreak(t *testing.T) {
	hot := []Proc{{PID: 300, Name: "spin", CPUPercent: 99, Status: "running"}}
	stubSnapshots(t, hot)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}
	assert.Len(t, c.Events(), 1)
}

func TestVanishedPIDResetsStreak(t *testing.T) {
	hot := []Proc{{PID: 400, Name: "spin", CPUPercent: 99, Status: "running"}}
	stubSnapshots(t, hot, hot, nil, hot)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}
	assert.Empty(t, c.Events())
}
