// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package csvstream

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pingFields = []string{"ts", "target", "latency_ms", "loss_pct"}

func newTestStream(t *testing.T, maxTail int) *Stream {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ping.csv"), pingFields, maxTail, 7)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewWritesHeader(t *testing.T) {
	s := newTestStream(t, 10)

	f, err := os.Open(s.Path())
	require.NoError(t, err)
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	require.NoError(t, err)
	assert.Equal(t, pingFields, header)
}

func TestNewRejectsMissingTimestampField(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "bad.csv"), []string{"target", "ts"}, 10, 7)
	assert.Error(t, err)
}

func TestAppendAndTail(t *testing.T) {
	s := newTestStream(t, 3)

	for _, target := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append(Record{"ts": Now(), "target": target, "latency_ms": "1.5"}))
	}

	tail := s.Tail()
	require.Len(t, tail, 3, "tail is bounded by maxTail")
	assert.Equal(t, "b", tail[0]["target"])
	assert.Equal(t, "d", tail[2]["target"], "newest last")
	// missing field written as empty string
	assert.Equal(t, "", tail[0]["loss_pct"])
}

func TestAppendRejectsUndeclaredField(t *testing.T) {
	s := newTestStream(t, 10)

	err := s.Append(Record{"ts": Now(), "bogus": "1"})
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Empty(t, s.Tail(), "failed append leaves tail untouched")
}

func TestTailSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.csv")
	s, err := New(path, pingFields, 10, 7)
	require.NoError(t, err)
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "a"}))
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "b"}))
	require.NoError(t, s.Close())

	s2, err := New(path, pingFields, 10, 7)
	require.NoError(t, err)
	defer s2.Close()

	tail := s2.Tail()
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[1]["target"])
}

func TestHeaderMismatchDetectedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.csv")
	require.NoError(t, os.WriteFile(path, []byte("ts,other\n"), 0o644))

	_, err := New(path, pingFields, 10, 7)
	assert.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestQueryReadsFromFile(t *testing.T) {
	s := newTestStream(t, 2)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(TimestampFormat)
		require.NoError(t, s.Append(Record{"ts": ts, "target": "a"}))
	}

	// Tail only holds 2 rows; query must still see all 5.
	got, err := s.Query(base.Add(-time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.Query(base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestPruneNowDropsExpiredRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.csv")
	s, err := New(path, pingFields, 10, 7)
	require.NoError(t, err)
	defer s.Close()

	old := time.Now().UTC().AddDate(0, 0, -8).Format(TimestampFormat)
	fresh := Now()
	require.NoError(t, s.Append(Record{"ts": old, "target": "stale"}))
	require.NoError(t, s.Append(Record{"ts": fresh, "target": "fresh"}))

	require.NoError(t, s.PruneNow())
	// prune is idempotent
	require.NoError(t, s.PruneNow())

	got, err := s.Query(time.Time{}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0]["target"])

	// the stream still accepts appends after the file swap
	require.NoError(t, s.Append(Record{"ts": Now(), "target": "after"}))
	got, err = s.Query(time.Time{}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPruneOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ping.csv")
	s, err := New(path, pingFields, 10, 7)
	require.NoError(t, err)
	old := time.Now().UTC().AddDate(0, 0, -30).Format(TimestampFormat)
	require.NoError(t, s.Append(Record{"ts": old, "target": "stale"}))
	require.NoError(t, s.Close())

	s2, err := New(path, pingFields, 10, 7)
	require.NoError(t, err)
	defer s2.Close()
	assert.Empty(t, s2.Tail())
}
