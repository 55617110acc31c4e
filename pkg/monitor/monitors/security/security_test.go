// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/monitor/platform"
)

func stubPosture(t *testing.T, postures ...Posture) {
	t.Helper()
	orig := fetchPosture
	i := 0
	fetchPosture = func(context.Context, *platform.Runner) (Posture, error) {
		p := postures[len(postures)-1]
		if i < len(postures) {
			p = postures[i]
			i++
		}
		return p, nil
	}
	t.Cleanup(func() { fetchPosture = orig })
}

func allOn() Posture {
	return Posture{Firewall: true, FileVault: true, Gatekeeper: true, SIP: true, ScreenLock: true, UpdatesCurrent: true}
}

func TestScore(t *testing.T) {
	assert.Equal(t, 100, allOn().Score())
	assert.Equal(t, 0, Posture{}.Score())

	noFileVault := allOn()
	noFileVault.FileVault = false
	assert.Equal(t, 75, noFileVault.Score())
}

func TestCycleRecordsScore(t *testing.T) {
	stubPosture(t, allOn())

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))

	tail := c.stream.Tail()
	require.Len(t, tail, 1)
	assert.Equal(t, "100", tail[0]["score"])
	assert.Equal(t, "true", tail[0]["filevault"])
	assert.False(t, c.Degraded())
	assert.Empty(t, c.Events())
}

func TestTransitionEmitsDiffEvent(t *testing.T) {
	degraded := allOn()
	degraded.Firewall = false
	stubPosture(t, allOn(), degraded)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	require.NoError(t, c.RunCycle(context.Background()))

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "firewall", events[0]["flag"])
	assert.Equal(t, "true", events[0]["old"])
	assert.Equal(t, "false", events[0]["new"])
}

func TestLowScoreDegrades(t *testing.T) {
	stubPosture(t, Posture{SIP: true, Gatekeeper: true})

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.RunCycle(context.Background()))
	assert.True(t, c.Degraded(), "score 35 is below the 60 floor")
}
