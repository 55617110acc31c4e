// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package monitor provides the sampler framework the agent is built on:
// a Monitor contract, a per-monitor worker with overrun-skipping scheduling,
// and a registry acting as the composition root.
package monitor

import (
	"context"
	"time"
)

// Monitor is one long-running sampler. Implementations embed Base for the
// bookkeeping parts and provide RunCycle, which must honor ctx and is never
// invoked concurrently with itself.
type Monitor interface {
	Name() string
	DefaultInterval() time.Duration
	RunCycle(ctx context.Context) error
}

// Cleaner is implemented by monitors that need the periodic cleanup hook
// (default once per 24h) to prune their resources.
type Cleaner interface {
	OnCleanup()
}

// Exporter is implemented by monitors whose history can be served by the
// HTTP surface: current state, bounded history, and a CSV export path.
type Exporter interface {
	Status() interface{}
	History() interface{}
	ExportPath() string
}

// Trigger is implemented by monitors that accept on-demand runs (for
// example "run a speed test now") dispatched from the HTTP surface.
type Trigger interface {
	TriggerRun(ctx context.Context, params map[string]interface{}) (interface{}, error)
}
