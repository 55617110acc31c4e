// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/types"
)

type recordingRegistry struct {
	mu       sync.Mutex
	machines []store.MachineSnapshot
	results  map[string]types.HealthProbeResult
}

func (r *recordingRegistry) ListMachines() []store.MachineSnapshot { return r.machines }

func (r *recordingRegistry) UpdateHealthProbe(id string, result types.HealthProbeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]types.HealthProbeResult{}
	}
	r.results[id] = result
	return nil
}

func (r *recordingRegistry) result(id string) (types.HealthProbeResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

func machineAt(id, ip string) store.MachineSnapshot {
	return store.MachineSnapshot{Info: types.MachineInfo{MachineID: id, LocalIP: ip}}
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func healthHandler(status string, responsive bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.AgentHealth{ //nolint:errcheck
			Status:       status,
			AgentVersion: "0.9.0",
			UptimeS:      42,
			Responsive:   responsive,
		})
	}
}

func TestProbeReachable(t *testing.T) {
	srv := httptest.NewServer(healthHandler("ok", true))
	defer srv.Close()

	reg := &recordingRegistry{machines: []store.MachineSnapshot{machineAt("m1", "127.0.0.1")}}
	opts := DefaultOptions()
	opts.AgentPort = portOf(t, srv)
	New(reg, opts).Sweep(context.Background())

	res, ok := reg.result("m1")
	require.True(t, ok)
	assert.Equal(t, types.ProbeReachable, res.Status)
	assert.Equal(t, "0.9.0", res.AgentVersion)
	assert.True(t, res.Responsive)
	assert.Greater(t, res.LatencyMS, float64(0))
	assert.NotEmpty(t, res.InnerPayload)
}

func TestProbeUnhealthyBody(t *testing.T) {
	srv := httptest.NewServer(healthHandler("degraded", true))
	defer srv.Close()

	reg := &recordingRegistry{machines: []store.MachineSnapshot{machineAt("m1", "127.0.0.1")}}
	opts := DefaultOptions()
	opts.AgentPort = portOf(t, srv)
	New(reg, opts).Sweep(context.Background())

	res, _ := reg.result("m1")
	assert.Equal(t, types.ProbeUnhealthy, res.Status)
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	reg := &recordingRegistry{machines: []store.MachineSnapshot{machineAt("m1", "127.0.0.1")}}
	opts := DefaultOptions()
	opts.AgentPort = portOf(t, srv)
	opts.Timeout = 50 * time.Millisecond
	New(reg, opts).Sweep(context.Background())

	res, _ := reg.result("m1")
	assert.Equal(t, types.ProbeTimeout, res.Status)
}

func TestProbeConnectionRefused(t *testing.T) {
	// grab a port and close it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	reg := &recordingRegistry{machines: []store.MachineSnapshot{machineAt("m1", "127.0.0.1")}}
	opts := DefaultOptions()
	opts.AgentPort = port
	New(reg, opts).Sweep(context.Background())

	res, _ := reg.result("m1")
	assert.Equal(t, types.ProbeUnreachable, res.Status)
}

func TestProbeTLSAgent(t *testing.T) {
	srv := httptest.NewTLSServer(healthHandler("ok", true))
	defer srv.Close()

	reg := &recordingRegistry{machines: []store.MachineSnapshot{machineAt("m1", "127.0.0.1")}}
	opts := DefaultOptions()
	opts.AgentPort = portOf(t, srv)
	opts.AgentTLS = true

	// self-signed cert fails verification unless dev mode relaxes it
	New(reg, opts).Sweep(context.Background())
	res, _ := reg.result("m1")
	assert.Equal(t, types.ProbeError, res.Status)

	opts.DevMode = true
	New(reg, opts).Sweep(context.Background())
	res, _ = reg.result("m1")
	assert.Equal(t, types.ProbeReachable, res.Status)
}

func TestProbeSkipsMachinesWithoutAddress(t *testing.T) {
	reg := &recordingRegistry{machines: []store.MachineSnapshot{
		machineAt("noaddr", ""),
	}}
	New(reg, DefaultOptions()).Sweep(context.Background())

	_, ok := reg.result("noaddr")
	assert.False(t, ok, "machines without a local IP are skipped")
}
