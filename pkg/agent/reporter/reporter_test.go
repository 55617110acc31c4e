// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reporter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/types"
)

func testOptions(url string) Options {
	return Options{
		ServerURL:   url,
		APIKey:      "test-key",
		Interval:    50 * time.Millisecond,
		Collect:     func() types.MetricSample { return types.MetricSample{TS: time.Now(), CPUPercent: 7} },
		MachineInfo: types.MachineInfo{MachineID: "m1", Hostname: "m1"},
	}
}

func TestReportPlaintext(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		body, _ := io.ReadAll(r.Body)
		got.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := New(testOptions(srv.URL))
	require.NoError(t, err)
	require.NoError(t, r.reportOnce(context.Background()))

	var payload types.ReportPayload
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &payload))
	assert.Equal(t, "m1", payload.MachineID)
	assert.Equal(t, float64(7), payload.Metrics.CPUPercent)
	require.NotNil(t, r.LastReport())
}

func TestReportSealed(t *testing.T) {
	key, err := secure.GenerateKey()
	require.NoError(t, err)

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.EncryptionKey = key
	r, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, r.reportOnce(context.Background()))

	raw := got.Load().([]byte)
	require.True(t, secure.IsEnvelope(raw), "wire body must be an envelope")

	var env secure.EncryptedPayload
	require.NoError(t, json.Unmarshal(raw, &env))
	var payload types.ReportPayload
	require.NoError(t, secure.OpenJSON(key, &env, secure.AADReport, &payload))
	assert.Equal(t, "m1", payload.MachineID)
}

func TestReportStopsOnKeyRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r, err := New(testOptions(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = r.Run(ctx)
	assert.ErrorIs(t, err, ErrKeyRejected)
	assert.Equal(t, int32(1), calls.Load(), "401 is permanent, no retries")
}

func TestReportRetriesTransientThenDrops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.Interval = 200 * time.Millisecond
	r, err := New(opts)
	require.NoError(t, err)

	err = r.reportOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyRejected)
	assert.Greater(t, calls.Load(), int32(1), "503 is retried within the tick budget")
	assert.Nil(t, r.LastReport())
	assert.Error(t, r.LastError())
}

func TestNewRejectsShortKey(t *testing.T) {
	opts := testOptions("http://localhost:1")
	opts.EncryptionKey = []byte("short")
	_, err := New(opts)
	assert.Error(t, err)
}
