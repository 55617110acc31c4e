// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store is the fleet server's in-memory machine registry: bounded
// metric histories, probe records, command queues, and the alert stream,
// with background encrypted persistence.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

// ErrQueueFull is returned when a machine's command queue is at capacity.
// The HTTP surface maps it to 409.
var ErrQueueFull = errors.New("command queue at capacity")

// ErrUnknownMachine is returned for operations against a machine that has
// never reported.
var ErrUnknownMachine = errors.New("unknown machine")

// futureSkew is how far ahead a report timestamp may sit before it is
// flagged.
const futureSkew = 5 * time.Minute

// Options bound the per-machine state the store keeps.
type Options struct {
	HistoryLimit      int
	CommandQueueLimit int
	ReportingTimeout  time.Duration
	AlertRetention    time.Duration
}

// DefaultOptions mirror the documented defaults.
func DefaultOptions() Options {
	return Options{
		HistoryLimit:      100,
		CommandQueueLimit: 50,
		ReportingTimeout:  60 * time.Second,
		AlertRetention:    30 * 24 * time.Hour,
	}
}

type machine struct {
	mu        sync.Mutex
	info      types.MachineInfo
	firstSeen time.Time
	lastSeen  time.Time
	history   []types.MetricSample
	probe     *types.HealthProbeResult
	commands  []types.CommandEnvelope
	acked     map[string]struct{}
	notify    chan struct{}
}

// Store is the machine registry. Reads are concurrent; writes serialize per
// machine. Liveness is derived on read, never stored.
type Store struct {
	opts Options

	mu       sync.RWMutex
	machines map[string]*machine

	alertMu sync.Mutex
	alerts  []types.Alert

	// now is swapped in tests.
	now func() time.Time
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.CommandQueueLimit <= 0 {
		opts.CommandQueueLimit = 50
	}
	return &Store{
		opts:     opts,
		machines: make(map[string]*machine),
		now:      time.Now,
	}
}

// MachineSnapshot is a point-in-time read of one machine with its derived
// liveness.
type MachineSnapshot struct {
	Info            types.MachineInfo        `json:"machine_info"`
	FirstSeen       time.Time                `json:"first_seen"`
	LastSeen        time.Time                `json:"last_seen"`
	Liveness        types.Liveness           `json:"liveness"`
	Probe           *types.HealthProbeResult `json:"probe,omitempty"`
	History         []types.MetricSample     `json:"history,omitempty"`
	PendingCommands int                      `json:"pending_commands"`
}

// UpsertReport creates the machine on first report and folds the sample into
// its bounded history. last_seen moves monotonically (max of current and
// now); out-of-order sample timestamps are stored as reported, and a
// timestamp far in the future is flagged but still accepted.
func (s *Store) UpsertReport(info types.MachineInfo, sample types.MetricSample) time.Time {
	now := s.now()

	m := s.getOrCreate(info.MachineID, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.info = info
	if now.After(m.lastSeen) {
		m.lastSeen = now
	}

	if sample.TS.After(now.Add(futureSkew)) {
		log.Warnf("machine %s reported a sample %s in the future", info.MachineID, sample.TS.Sub(now))
	}
	m.history = append(m.history, sample)
	if len(m.history) > s.opts.HistoryLimit {
		m.history = m.history[len(m.history)-s.opts.HistoryLimit:]
	}
	return now
}

// UpdateHealthProbe records the probe result. It never advances last_seen
// and never creates a machine.
func (s *Store) UpdateHealthProbe(machineID string, result types.HealthProbeResult) error {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrUnknownMachine, machineID)
	}

	m.mu.Lock()
	m.probe = &result
	m.mu.Unlock()
	return nil
}

// GetMachine returns a snapshot of one machine.
func (s *Store) GetMachine(machineID string) (MachineSnapshot, bool) {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return MachineSnapshot{}, false
	}
	return s.snapshot(m), true
}

// ListMachines returns snapshots of every machine.
func (s *Store) ListMachines() []MachineSnapshot {
	s.mu.RLock()
	all := make([]*machine, 0, len(s.machines))
	for _, m := range s.machines {
		all = append(all, m)
	}
	s.mu.RUnlock()

	out := make([]MachineSnapshot, 0, len(all))
	for _, m := range all {
		out = append(out, s.snapshot(m))
	}
	return out
}

// Summary is the fleet-wide rollup.
type Summary struct {
	TotalMachines int                    `json:"total_machines"`
	Online        int                    `json:"online"`
	Offline       int                    `json:"offline"`
	ByLiveness    map[types.Liveness]int `json:"by_liveness"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// FleetSummary computes totals against the combined-liveness rules. A
// machine counts as online while reports still flow (Healthy,
// ReportingButUnreachable, SlowResponse).
func (s *Store) FleetSummary() Summary {
	machines := s.ListMachines()
	summary := Summary{
		TotalMachines: len(machines),
		ByLiveness:    make(map[types.Liveness]int),
		GeneratedAt:   s.now(),
	}
	for _, m := range machines {
		summary.ByLiveness[m.Liveness]++
		switch m.Liveness {
		case types.LivenessHealthy, types.LivenessReportingButUnreachable, types.LivenessSlowResponse:
			summary.Online++
		default:
			summary.Offline++
		}
	}
	return summary
}

// EnqueueCommand appends a command to the machine's FIFO queue, rejecting
// at capacity.
func (s *Store) EnqueueCommand(machineID string, cmd types.CommandEnvelope) error {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrUnknownMachine, machineID)
	}

	m.mu.Lock()
	if len(m.commands) >= s.opts.CommandQueueLimit {
		m.mu.Unlock()
		return errors.Wrap(ErrQueueFull, machineID)
	}
	if cmd.IssuedTS.IsZero() {
		cmd.IssuedTS = s.now()
	}
	m.commands = append(m.commands, cmd)
	notify := m.notify
	m.notify = make(chan struct{})
	m.mu.Unlock()

	// wake any long-pollers
	close(notify)
	return nil
}

// DequeueCommands returns the machine's pending commands in FIFO order.
// Commands stay queued until acknowledged.
func (s *Store) DequeueCommands(machineID string) []types.CommandEnvelope {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CommandEnvelope(nil), m.commands...)
}

// WaitForCommands blocks until the machine has pending commands, the
// timeout elapses, or ctx is done. An unknown machine returns immediately.
func (s *Store) WaitForCommands(ctx context.Context, machineID string, timeout time.Duration) []types.CommandEnvelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.RLock()
		m, ok := s.machines[machineID]
		s.mu.RUnlock()
		if !ok {
			return nil
		}

		m.mu.Lock()
		if len(m.commands) > 0 {
			out := append([]types.CommandEnvelope(nil), m.commands...)
			m.mu.Unlock()
			return out
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// AckCommand removes the command from the queue and records the result.
// Exactly-once: a second ack of the same id is a no-op success.
func (s *Store) AckCommand(machineID, commandID, result string) error {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrUnknownMachine, machineID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.acked[commandID]; done {
		return nil
	}
	for i, cmd := range m.commands {
		if cmd.CommandID == commandID {
			now := s.now()
			cmd.AckTS = &now
			cmd.Result = result
			m.commands = append(m.commands[:i], m.commands[i+1:]...)
			m.acked[commandID] = struct{}{}
			return nil
		}
	}
	return errors.Errorf("command %s not queued for %s", commandID, machineID)
}

// AppendAlert adds an alert to the server-wide stream, pruning entries
// older than the retention window.
func (s *Store) AppendAlert(alert types.Alert) {
	if alert.TS.IsZero() {
		alert.TS = s.now()
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.alerts = append(s.alerts, alert)
	s.pruneAlertsLocked()
}

// Alerts returns the retained alert stream, oldest first.
func (s *Store) Alerts() []types.Alert {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.pruneAlertsLocked()
	return append([]types.Alert(nil), s.alerts...)
}

func (s *Store) pruneAlertsLocked() {
	if s.opts.AlertRetention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.opts.AlertRetention)
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.TS.After(cutoff) {
			kept = append(kept, a)
		}
	}
	s.alerts = kept
}

func (s *Store) getOrCreate(machineID string, now time.Time) *machine {
	s.mu.RLock()
	m, ok := s.machines[machineID]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.machines[machineID]; ok {
		return m
	}
	m = &machine{
		firstSeen: now,
		acked:     make(map[string]struct{}),
		notify:    make(chan struct{}),
	}
	s.machines[machineID] = m
	telemetry.MachinesTracked.Set(float64(len(s.machines)))
	log.Infof("machine %s joined the fleet", machineID)
	return m
}

func (s *Store) snapshot(m *machine) MachineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	probeStatus := types.ProbeStatus("")
	var probe *types.HealthProbeResult
	if m.probe != nil {
		p := *m.probe
		probe = &p
		probeStatus = p.Status
	}

	return MachineSnapshot{
		Info:            m.info,
		FirstSeen:       m.firstSeen,
		LastSeen:        m.lastSeen,
		Liveness:        types.DeriveLiveness(s.now().Sub(m.lastSeen), s.opts.ReportingTimeout, probeStatus),
		Probe:           probe,
		History:         append([]types.MetricSample(nil), m.history...),
		PendingCommands: len(m.commands),
	}
}
