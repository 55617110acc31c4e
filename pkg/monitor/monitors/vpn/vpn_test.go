// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package vpn

import (
	"context"
	"testing"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iface(name string, up bool, addrs ...string) gopsnet.InterfaceStat {
	flags := []string{}
	if up {
		flags = append(flags, "up")
	}
	list := make(gopsnet.InterfaceAddrList, len(addrs))
	for i, a := range addrs {
		list[i] = gopsnet.InterfaceAddr{Addr: a}
	}
	return gopsnet.InterfaceStat{Name: name, Flags: flags, Addrs: list}
}

func stubInterfaces(t *testing.T, sets ...gopsnet.InterfaceStatList) {
	t.Helper()
	orig := listInterfaces
	i := 0
	listInterfaces = func() (gopsnet.InterfaceStatList, error) {
		set := sets[len(sets)-1]
		if i < len(sets) {
			set = sets[i]
			i++
		}
		return set, nil
	}
	t.Cleanup(func() { listInterfaces = orig })
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		ifaces gopsnet.InterfaceStatList
		want   State
	}{
		{"no tunnels", gopsnet.InterfaceStatList{iface("en0", true, "192.168.1.5/24")}, State{}},
		{"default utun, link-local only", gopsnet.InterfaceStatList{iface("utun0", true, "fe80::1/64")}, State{}},
		{"vpn up", gopsnet.InterfaceStatList{iface("utun4", true, "10.8.0.2/24")}, State{Connected: true, Interface: "utun4"}},
		{"tunnel down", gopsnet.InterfaceStatList{iface("utun4", false, "10.8.0.2/24")}, State{}},
		{"wireguard", gopsnet.InterfaceStatList{iface("wg0", true, "10.0.0.2/32")}, State{Connected: true, Interface: "wg0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.ifaces))
		})
	}
}

func TestTransitionEvents(t *testing.T) {
	disconnected := gopsnet.InterfaceStatList{iface("en0", true, "192.168.1.5/24")}
	connected := gopsnet.InterfaceStatList{iface("utun4", true, "10.8.0.2/24")}
	stubInterfaces(t, disconnected, connected, connected, disconnected)

	c, err := New(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.RunCycle(context.Background()))
	}

	events := c.Events()
	require.Len(t, events, 2, "one connect, one disconnect, no event on steady state")
	assert.Equal(t, "connected", events[0]["event"])
	assert.Equal(t, "utun4", events[0]["interface"])
	assert.Equal(t, "disconnected", events[1]["event"])
	assert.Equal(t, "utun4", events[1]["interface"], "disconnect names the interface that went away")
}

func TestStatusBeforeFirstCycle(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, State{}, c.Status())
}

func TestStatusSafeDuringCycles(t *testing.T) {
	disconnected := gopsnet.InterfaceStatList{iface("en0", true, "192.168.1.5/24")}
	connected := gopsnet.InterfaceStatList{iface("utun4", true, "10.8.0.2/24")}
	stubInterfaces(t, disconnected, connected, disconnected, connected)

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

	assert.Equal(t, State{Connected: true, Interface: "utun4"}, c.Status())
}
