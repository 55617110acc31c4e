// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package types defines the tagged records exchanged between agent and
// fleet server. JSON is the interchange; these structs are the model.
package types

import (
	"encoding/json"
	"time"
)

// MachineInfo is the small machine descriptor carried with every report.
type MachineInfo struct {
	MachineID      string `json:"machine_id"`
	Hostname       string `json:"hostname"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version,omitempty"`
	Arch           string `json:"arch,omitempty"`
	AgentVersion   string `json:"agent_version,omitempty"`
	TotalMemoryMB  uint64 `json:"total_memory_mb,omitempty"`
	HardwareSerial string `json:"hardware_serial,omitempty"`
	LocalIP        string `json:"local_ip,omitempty"`
}

// MemoryMetrics is the memory part of a MetricSample.
type MemoryMetrics struct {
	UsedMB  float64 `json:"used_mb"`
	TotalMB float64 `json:"total_mb"`
	Percent float64 `json:"percent"`
}

// DiskMetrics is the disk part of a MetricSample.
type DiskMetrics struct {
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// NetworkMetrics carries interface counters.
type NetworkMetrics struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// BatteryMetrics is present only on machines with a battery.
type BatteryMetrics struct {
	Percent float64 `json:"percent"`
	Plugged bool    `json:"plugged"`
}

// MetricSample is one timestamped, immutable metrics snapshot for a machine.
type MetricSample struct {
	TS           time.Time       `json:"ts"`
	CPUPercent   float64         `json:"cpu_percent"`
	Memory       MemoryMetrics   `json:"memory"`
	Disk         DiskMetrics     `json:"disk"`
	Network      NetworkMetrics  `json:"network"`
	Battery      *BatteryMetrics `json:"battery,omitempty"`
	TemperatureC *float64        `json:"temperature_c,omitempty"`
	UptimeS      *uint64         `json:"uptime_s,omitempty"`
}

// ReportPayload is the plaintext body of POST /api/fleet/report (possibly
// wrapped in an envelope on the wire).
type ReportPayload struct {
	MachineID   string       `json:"machine_id"`
	MachineInfo MachineInfo  `json:"machine_info"`
	Metrics     MetricSample `json:"metrics"`
}

// Validate reports whether the payload satisfies the ingest contract.
func (p *ReportPayload) Validate() bool {
	return p.MachineID != ""
}

// ProbeStatus classifies one active health probe.
type ProbeStatus string

// Probe classifications.
const (
	ProbeReachable   ProbeStatus = "reachable"
	ProbeTimeout     ProbeStatus = "timeout"
	ProbeUnreachable ProbeStatus = "unreachable"
	ProbeUnhealthy   ProbeStatus = "unhealthy"
	ProbeError       ProbeStatus = "error"
)

// HealthProbeResult records the most recent active probe of an agent.
type HealthProbeResult struct {
	Status       ProbeStatus     `json:"status"`
	LastCheckTS  time.Time       `json:"last_check_ts"`
	LatencyMS    float64         `json:"latency_ms"`
	Error        string          `json:"error,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	AgentUptimeS float64         `json:"agent_uptime_s,omitempty"`
	Responsive   bool            `json:"responsive"`
	InnerPayload json.RawMessage `json:"inner_payload,omitempty"`
}

// Liveness is the combined machine state derived from report age and the
// most recent probe.
type Liveness string

// Combined liveness states.
const (
	LivenessHealthy                  Liveness = "Healthy"
	LivenessReportingButUnreachable  Liveness = "ReportingButUnreachable"
	LivenessReachableButNotReporting Liveness = "ReachableButNotReporting"
	LivenessOffline                  Liveness = "Offline"
	LivenessUnhealthy                Liveness = "Unhealthy"
	LivenessSlowResponse             Liveness = "SlowResponse"
)

// DeriveLiveness combines the age of the last report with the most recent
// probe classification. An unhealthy probe wins outright; a probe timeout
// only means SlowResponse while reports still flow.
func DeriveLiveness(reportAge, reportingTimeout time.Duration, probe ProbeStatus) Liveness {
	reporting := reportAge < reportingTimeout
	switch {
	case probe == ProbeUnhealthy:
		return LivenessUnhealthy
	case reporting && probe == ProbeReachable:
		return LivenessHealthy
	case reporting && probe == ProbeTimeout:
		return LivenessSlowResponse
	case reporting:
		return LivenessReportingButUnreachable
	case probe == ProbeReachable:
		return LivenessReachableButNotReporting
	default:
		return LivenessOffline
	}
}

// Alert is one threshold crossing, appended to the server-wide stream.
type Alert struct {
	TS        time.Time `json:"ts"`
	AlertType string    `json:"alert_type"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	MachineID string    `json:"machine_id,omitempty"`
}

// CommandEnvelope is one queued command for a machine. Agents poll and
// acknowledge; Ack is recorded exactly once.
type CommandEnvelope struct {
	CommandID string                 `json:"command_id"`
	Type      string                 `json:"type"`
	Params    map[string]interface{} `json:"params,omitempty"`
	IssuedTS  time.Time              `json:"issued_ts"`
	AckTS     *time.Time             `json:"ack_ts,omitempty"`
	Result    string                 `json:"result,omitempty"`
}

// SystemHealth is the cheap system snapshot inside AgentHealth.
type SystemHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemAvailGB float64 `json:"mem_avail_gb"`
}

// AgentHealth is the body of GET /api/agent/health. It is computed locally
// and never triggers a synchronous call to the fleet server.
type AgentHealth struct {
	Status            string          `json:"status"`
	AgentVersion      string          `json:"agent_version"`
	UptimeS           float64         `json:"uptime_s"`
	Hostname          string          `json:"hostname"`
	Timestamp         time.Time       `json:"timestamp"`
	FleetServerURL    string          `json:"fleet_server_url,omitempty"`
	LastFleetReportTS *time.Time      `json:"last_fleet_report_ts,omitempty"`
	Monitors          map[string]bool `json:"monitors"`
	System            SystemHealth    `json:"system"`
	Responsive        bool            `json:"responsive"`
}

// SpeedtestResult is one speed test measurement.
type SpeedtestResult struct {
	TS           time.Time `json:"ts"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMS       float64   `json:"ping_ms"`
	JitterMS     float64   `json:"jitter_ms"`
	ServerName   string    `json:"server_name,omitempty"`
	ISP          string    `json:"isp,omitempty"`
}

// WidgetLogEvent is one local UI event forwarded to the server in batches.
type WidgetLogEvent struct {
	TS      time.Time              `json:"ts"`
	Source  string                 `json:"source"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
