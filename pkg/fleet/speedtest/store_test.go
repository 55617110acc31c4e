// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package speedtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "speedtest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func result(ts time.Time, download float64) types.SpeedtestResult {
	return types.SpeedtestResult{
		TS:           ts,
		DownloadMbps: download,
		UploadMbps:   download / 10,
		PingMS:       12,
		ServerName:   "test-server",
	}
}

func TestInsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.InsertResult("m1", result(ts, 200)))
	require.NoError(t, s.InsertResult("m1", result(ts, 200)), "replay is a no-op")
	require.NoError(t, s.InsertResult("m1", result(ts.Add(time.Minute), 210)))

	recent, err := s.Recent("m1", 24, 100)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Equal(t, float64(210), recent[0].DownloadMbps, "newest first")
}

func TestSummaryAndStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for i, dl := range []float64{100, 200, 300} {
		require.NoError(t, s.InsertResult("m1", result(now.Add(time.Duration(i)*time.Minute), dl)))
	}
	require.NoError(t, s.InsertResult("m2", result(now, 400)))

	summary, err := s.Summary(24)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Count)
	assert.Equal(t, 2, summary.MachineCount)
	assert.Equal(t, float64(250), summary.Download.Avg)
	assert.Equal(t, float64(100), summary.Download.Min)
	assert.Equal(t, float64(400), summary.Download.Max)
	assert.Equal(t, float64(250), summary.Download.Median)
	assert.Equal(t, 3, summary.PerMachine["m1"].Count)
	assert.Equal(t, float64(200), summary.PerMachine["m1"].Avg)

	stats, err := s.Stats("m1", 24)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, float64(200), stats.Download.Avg)
	assert.Equal(t, float64(200), stats.Download.Median)
	require.Len(t, stats.Series, 3)
	assert.Equal(t, float64(100), stats.Series[0].DownloadMbps, "series is oldest first")
}

func TestComparisonVsFleet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.InsertResult("fast", result(now, 300)))
	require.NoError(t, s.InsertResult("slow", result(now, 100)))

	entries, err := s.Comparison(24)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]ComparisonEntry{}
	for _, e := range entries {
		byID[e.MachineID] = e
	}
	// fleet avg 200: fast is +50%, slow is -50%
	assert.InDelta(t, 50, byID["fast"].VsFleetPct, 0.01)
	assert.InDelta(t, -50, byID["slow"].VsFleetPct, 0.01)
}

func TestAnomalyDetection(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for i, dl := range []float64{200, 205, 198, 202, 50} {
		require.NoError(t, s.InsertResult("m1", result(now.Add(time.Duration(i)*time.Minute), dl)))
	}

	anomalies, err := s.Anomalies("m1", 2.0, 24)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, float64(50), anomalies[0].DownloadMbps)
}

func TestAnomalyDeterministic(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for i, dl := range []float64{200, 205, 198, 202, 50} {
		require.NoError(t, s.InsertResult("m1", result(now.Add(time.Duration(i)*time.Minute), dl)))
	}

	first, err := s.Anomalies("m1", 2.0, 24)
	require.NoError(t, err)
	second, err := s.Anomalies("m1", 2.0, 24)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnomalyNeedsVariance(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertResult("m1", result(now.Add(time.Duration(i)*time.Minute), 200)))
	}

	anomalies, err := s.Anomalies("m1", 2.0, 24)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "zero stdev means nothing is anomalous")
}

func TestCleanupRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.InsertResult("m1", result(now.AddDate(0, 0, -120), 150)))
	require.NoError(t, s.InsertResult("m1", result(now, 200)))

	pruned, err := s.Cleanup(90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	recent, err := s.Recent("m1", 24*365, 100)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, float64(200), recent[0].DownloadMbps)

	pruned, err = s.Cleanup(90)
	require.NoError(t, err)
	assert.Zero(t, pruned, "second sweep has nothing left to prune")
}
