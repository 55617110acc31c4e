// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveLiveness(t *testing.T) {
	timeout := 60 * time.Second
	tests := []struct {
		name      string
		reportAge time.Duration
		probe     ProbeStatus
		want      Liveness
	}{
		{"fresh report, reachable", 10 * time.Second, ProbeReachable, LivenessHealthy},
		{"fresh report, unreachable", 10 * time.Second, ProbeUnreachable, LivenessReportingButUnreachable},
		{"stale report, reachable", 120 * time.Second, ProbeReachable, LivenessReachableButNotReporting},
		{"stale report, unreachable", 120 * time.Second, ProbeUnreachable, LivenessOffline},
		{"stale report, probe timeout", 120 * time.Second, ProbeTimeout, LivenessOffline},
		{"fresh report, probe timeout", 10 * time.Second, ProbeTimeout, LivenessSlowResponse},
		{"unhealthy wins regardless of age", 10 * time.Second, ProbeUnhealthy, LivenessUnhealthy},
		{"stale unhealthy", 120 * time.Second, ProbeUnhealthy, LivenessUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveLiveness(tt.reportAge, timeout, tt.probe))
		})
	}
}

func TestReportPayloadValidate(t *testing.T) {
	assert.False(t, (&ReportPayload{}).Validate())
	assert.True(t, (&ReportPayload{MachineID: "m1"}).Validate())
}
