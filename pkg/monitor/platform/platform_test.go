// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package platform

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCachesWithinTTL(t *testing.T) {
	r := NewRunner()
	calls := 0
	r.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("data"), nil
	}

	call := Call{Name: "ioreg", Args: []string{"-c", "IOAccelerator"}, CacheTTL: CacheTTLIoreg}
	for i := 0; i < 3; i++ {
		out, err := r.Output(context.Background(), call)
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), out)
	}
	assert.Equal(t, 1, calls, "cached output served within TTL")
}

func TestOutputRateLimitServesStaleCache(t *testing.T) {
	r := NewRunner()
	calls := 0
	r.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("snapshot"), nil
	}

	// tiny TTL so the cache goes stale immediately, long MinInterval
	call := Call{Name: "system_profiler", Args: []string{"SPUSBDataType"}, CacheTTL: time.Nanosecond, MinInterval: MinIntervalSPUSB}
	_, err := r.Output(context.Background(), call)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	out, err := r.Output(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), out)
	assert.Equal(t, 1, calls, "stale cache preferred over breaking the rate limit")
}

func TestOutputRateLimitWithoutCache(t *testing.T) {
	r := NewRunner()
	r.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("x"), nil
	}

	call := Call{Name: "system_profiler", Args: []string{"SPBluetoothDataType"}, MinInterval: MinIntervalSPBluetooth}
	_, err := r.Output(context.Background(), call)
	require.NoError(t, err)

	// no CacheTTL declared, so the second call inside the window fails
	_, err = r.Output(context.Background(), call)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestMissingBinaryDetectedOnce(t *testing.T) {
	r := NewRunner()
	calls := 0
	r.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}

	call := Call{Name: "airport", Args: []string{"-I"}}
	_, err := r.Output(context.Background(), call)
	assert.ErrorIs(t, err, ErrBinaryMissing)

	_, err = r.Output(context.Background(), call)
	assert.ErrorIs(t, err, ErrBinaryMissing)
	assert.Equal(t, 1, calls, "absence detected once, never re-probed")
	assert.True(t, r.BinaryMissing("airport"))
}

func TestTimeoutSurfacesProbeTimeout(t *testing.T) {
	r := NewRunner()
	r.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	call := Call{Name: "system_profiler", Args: []string{"SPPowerDataType"}, Timeout: 10 * time.Millisecond}
	_, err := r.Output(context.Background(), call)
	assert.ErrorIs(t, err, ErrProbeTimeout)
}
