// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
)

func testInfo(id string) types.MachineInfo {
	return types.MachineInfo{MachineID: id, Hostname: id, OS: "macOS"}
}

func sampleAt(ts time.Time, cpu float64) types.MetricSample {
	return types.MetricSample{TS: ts, CPUPercent: cpu}
}

func TestUpsertReportCreatesAndUpdates(t *testing.T) {
	s := New(DefaultOptions())

	now := s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 12.5))
	snap, ok := s.GetMachine("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", snap.Info.MachineID)
	assert.Equal(t, now, snap.FirstSeen)
	assert.Equal(t, now, snap.LastSeen)
	assert.Len(t, snap.History, 1)
}

func TestLastSeenMonotonic(t *testing.T) {
	s := New(DefaultOptions())
	current := time.Now()
	s.now = func() time.Time { return current }

	s.UpsertReport(testInfo("m1"), sampleAt(current, 1))
	firstSeen := current

	// clock goes backwards; last_seen must not
	current = current.Add(-time.Minute)
	s.UpsertReport(testInfo("m1"), sampleAt(current, 2))

	snap, _ := s.GetMachine("m1")
	assert.Equal(t, firstSeen, snap.LastSeen, "last_seen is max(current, incoming)")
	assert.Len(t, snap.History, 2, "out-of-order samples are stored, not rejected")
}

func TestHistoryBounded(t *testing.T) {
	s := New(DefaultOptions())
	for i := 0; i < 150; i++ {
		s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), float64(i)))
	}
	snap, _ := s.GetMachine("m1")
	require.Len(t, snap.History, 100)
	assert.Equal(t, float64(50), snap.History[0].CPUPercent, "FIFO: oldest dropped")
	assert.Equal(t, float64(149), snap.History[99].CPUPercent)
}

func TestProbeDoesNotMoveLastSeen(t *testing.T) {
	s := New(DefaultOptions())
	s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 1))
	before, _ := s.GetMachine("m1")

	require.NoError(t, s.UpdateHealthProbe("m1", types.HealthProbeResult{Status: types.ProbeReachable}))
	after, _ := s.GetMachine("m1")
	assert.Equal(t, before.LastSeen, after.LastSeen)
	require.NotNil(t, after.Probe)
	assert.Equal(t, types.ProbeReachable, after.Probe.Status)
}

func TestProbeUnknownMachine(t *testing.T) {
	s := New(DefaultOptions())
	err := s.UpdateHealthProbe("ghost", types.HealthProbeResult{Status: types.ProbeReachable})
	assert.ErrorIs(t, err, ErrUnknownMachine)
	_, ok := s.GetMachine("ghost")
	assert.False(t, ok, "probe never creates a machine")
}

func TestLivenessTransitions(t *testing.T) {
	s := New(DefaultOptions())
	current := time.Now()
	s.now = func() time.Time { return current }

	s.UpsertReport(testInfo("m1"), sampleAt(current, 1))
	require.NoError(t, s.UpdateHealthProbe("m1", types.HealthProbeResult{Status: types.ProbeReachable}))

	snap, _ := s.GetMachine("m1")
	assert.Equal(t, types.LivenessHealthy, snap.Liveness)

	// no report for 120s with reporting timeout 60s, probe still reachable
	current = current.Add(120 * time.Second)
	snap, _ = s.GetMachine("m1")
	assert.Equal(t, types.LivenessReachableButNotReporting, snap.Liveness)

	// probe then times out
	require.NoError(t, s.UpdateHealthProbe("m1", types.HealthProbeResult{Status: types.ProbeTimeout}))
	snap, _ = s.GetMachine("m1")
	assert.Equal(t, types.LivenessOffline, snap.Liveness)
}

func TestFleetSummary(t *testing.T) {
	s := New(DefaultOptions())
	current := time.Now()
	s.now = func() time.Time { return current }

	s.UpsertReport(testInfo("online"), sampleAt(current, 1))
	require.NoError(t, s.UpdateHealthProbe("online", types.HealthProbeResult{Status: types.ProbeReachable}))

	s.UpsertReport(testInfo("gone"), sampleAt(current, 1))
	current = current.Add(5 * time.Minute)
	s.UpsertReport(testInfo("online"), sampleAt(current, 2))

	summary := s.FleetSummary()
	assert.Equal(t, 2, summary.TotalMachines)
	assert.Equal(t, 1, summary.Online)
	assert.Equal(t, 1, summary.Offline)
	assert.Equal(t, 1, summary.ByLiveness[types.LivenessHealthy])
}

func TestCommandQueueLifecycle(t *testing.T) {
	s := New(DefaultOptions())
	s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 1))

	require.NoError(t, s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: "c1", Type: "run_speedtest"}))
	require.NoError(t, s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: "c2", Type: "collect_logs"}))

	cmds := s.DequeueCommands("m1")
	require.Len(t, cmds, 2)
	assert.Equal(t, "c1", cmds[0].CommandID, "FIFO order")

	// dequeue does not remove; ack does, exactly once
	require.NoError(t, s.AckCommand("m1", "c1", "done"))
	assert.Len(t, s.DequeueCommands("m1"), 1)
	require.NoError(t, s.AckCommand("m1", "c1", "done"), "second ack is a no-op")
	assert.Len(t, s.DequeueCommands("m1"), 1)

	assert.Error(t, s.AckCommand("m1", "never-issued", ""))
}

func TestCommandQueueCapacity(t *testing.T) {
	s := New(DefaultOptions())
	s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 1))

	for i := 0; i < 50; i++ {
		require.NoError(t, s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: fmt.Sprintf("c%d", i)}))
	}
	err := s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWaitForCommandsWakesOnEnqueue(t *testing.T) {
	s := New(DefaultOptions())
	s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 1))

	done := make(chan []types.CommandEnvelope, 1)
	go func() {
		done <- s.WaitForCommands(context.Background(), "m1", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: "c1"}))

	select {
	case cmds := <-done:
		require.Len(t, cmds, 1)
		assert.Equal(t, "c1", cmds[0].CommandID)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake on enqueue")
	}
}

func TestWaitForCommandsTimesOut(t *testing.T) {
	s := New(DefaultOptions())
	s.UpsertReport(testInfo("m1"), sampleAt(time.Now(), 1))
	assert.Nil(t, s.WaitForCommands(context.Background(), "m1", 30*time.Millisecond))
}

func TestAlertsPrunedByAge(t *testing.T) {
	opts := DefaultOptions()
	opts.AlertRetention = time.Hour
	s := New(opts)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.AppendAlert(types.Alert{AlertType: "cpu", Message: "old"})
	current = current.Add(2 * time.Hour)
	s.AppendAlert(types.Alert{AlertType: "cpu", Message: "new"})

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "new", alerts[0].Message)
}

func TestPersistRoundTrip(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plaintext"
		var key []byte
		if encrypted {
			name = "encrypted"
			var err error
			key, err = secure.GenerateKey()
			require.NoError(t, err)
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registry.dat")

			s := New(DefaultOptions())
			s.UpsertReport(testInfo("m1"), sampleAt(time.Now().UTC(), 1))
			s.UpsertReport(testInfo("m1"), sampleAt(time.Now().UTC(), 2))
			s.UpsertReport(testInfo("m2"), sampleAt(time.Now().UTC(), 3))
			require.NoError(t, s.EnqueueCommand("m1", types.CommandEnvelope{CommandID: "c1"}))
			s.AppendAlert(types.Alert{AlertType: "disk", MachineID: "m2"})

			p, err := NewPersister(s, path, key)
			require.NoError(t, err)
			require.NoError(t, p.PersistNow())

			restored := New(DefaultOptions())
			rp, err := NewPersister(restored, path, key)
			require.NoError(t, err)
			require.NoError(t, rp.LoadOnStart())

			m1, ok := restored.GetMachine("m1")
			require.True(t, ok)
			assert.Len(t, m1.History, 2)
			assert.Equal(t, float64(1), m1.History[0].CPUPercent, "history order preserved")
			assert.Equal(t, 1, m1.PendingCommands)

			_, ok = restored.GetMachine("m2")
			assert.True(t, ok)
			assert.Len(t, restored.Alerts(), 1)
			assert.Equal(t, float64(2), testutil.ToFloat64(telemetry.MachinesTracked))
		})
	}
}
