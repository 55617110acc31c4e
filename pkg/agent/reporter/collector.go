// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reporter

import (
	"net"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
	"github.com/sraths91/atlas/pkg/version"
)

// Collection shims, swapped in tests.
var (
	cpuPercent    = cpu.Percent
	virtualMemory = mem.VirtualMemory
	diskUsage     = disk.Usage
	netIOCounters = gopsnet.IOCounters
	hostInfo      = host.Info
	hostID        = host.HostID
	localIP       = outboundIP
)

// CollectSample builds one metrics snapshot from the local system. Partial
// failures degrade the sample rather than failing it.
func CollectSample() types.MetricSample {
	sample := types.MetricSample{TS: time.Now().UTC()}

	if pcts, err := cpuPercent(0, false); err == nil && len(pcts) > 0 {
		sample.CPUPercent = pcts[0]
	} else if err != nil {
		log.Debugf("cpu collection failed: %v", err)
	}

	if vm, err := virtualMemory(); err == nil {
		sample.Memory = types.MemoryMetrics{
			UsedMB:  float64(vm.Used) / 1024 / 1024,
			TotalMB: float64(vm.Total) / 1024 / 1024,
			Percent: vm.UsedPercent,
		}
	} else {
		log.Debugf("memory collection failed: %v", err)
	}

	if du, err := diskUsage("/"); err == nil {
		sample.Disk = types.DiskMetrics{
			UsedGB:  float64(du.Used) / 1024 / 1024 / 1024,
			TotalGB: float64(du.Total) / 1024 / 1024 / 1024,
			Percent: du.UsedPercent,
		}
	} else {
		log.Debugf("disk collection failed: %v", err)
	}

	if counters, err := netIOCounters(false); err == nil && len(counters) > 0 {
		sample.Network = types.NetworkMetrics{
			BytesSent: counters[0].BytesSent,
			BytesRecv: counters[0].BytesRecv,
		}
	}

	if info, err := hostInfo(); err == nil {
		uptime := info.Uptime
		sample.UptimeS = &uptime
	}

	return sample
}

// CollectMachineInfo builds the machine descriptor attached to every report.
// The machine id is the host's stable id, so reinstalls of the agent keep
// their fleet history.
func CollectMachineInfo() types.MachineInfo {
	info := types.MachineInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: version.AtlasVersion,
		LocalIP:      localIP(),
	}

	if id, err := hostID(); err == nil {
		info.MachineID = id
	}
	if hi, err := hostInfo(); err == nil {
		info.Hostname = hi.Hostname
		info.OSVersion = hi.PlatformVersion
		if info.MachineID == "" {
			info.MachineID = hi.HostID
		}
	}
	if info.MachineID == "" {
		info.MachineID = info.Hostname
	}
	if vm, err := virtualMemory(); err == nil {
		info.TotalMemoryMB = vm.Total / 1024 / 1024
	}
	return info
}

// outboundIP finds the local address used to reach the network. No packet is
// sent; the dial only resolves a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
