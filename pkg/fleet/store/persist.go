// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

type persistedMachine struct {
	Info      types.MachineInfo        `json:"machine_info"`
	FirstSeen time.Time                `json:"first_seen"`
	LastSeen  time.Time                `json:"last_seen"`
	History   []types.MetricSample     `json:"history,omitempty"`
	Probe     *types.HealthProbeResult `json:"probe,omitempty"`
	Commands  []types.CommandEnvelope  `json:"commands,omitempty"`
}

type persistedState struct {
	Machines map[string]persistedMachine `json:"machines"`
	Alerts   []types.Alert               `json:"alerts,omitempty"`
	SavedAt  time.Time                   `json:"saved_at"`
}

// Persister writes the registry to disk, sealed when an at-rest key is
// configured and plain JSON otherwise.
type Persister struct {
	store *Store
	path  string
	key   []byte
}

// NewPersister returns a persister. key may be nil for plaintext
// persistence; otherwise it must be a 32-byte AEAD key.
func NewPersister(s *Store, path string, key []byte) (*Persister, error) {
	if key != nil && len(key) != secure.KeySize {
		return nil, errors.Errorf("at-rest key must be %d bytes", secure.KeySize)
	}
	return &Persister{store: s, path: path, key: key}, nil
}

// PersistNow serializes the whole registry and writes it atomically.
func (p *Persister) PersistNow() error {
	state := p.store.exportState()
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "serializing registry")
	}

	if p.key != nil {
		saltRef := make([]byte, secure.SaltSize) // direct key, no KDF salt
		return secure.WriteBlob(p.path, p.key, saltRef, raw, secure.AADConfig)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "writing registry")
	}
	return os.Rename(tmp, p.path)
}

// LoadOnStart restores the registry from disk. A missing file is a clean
// first start; a blob that fails to authenticate is a fatal startup error.
func (p *Persister) LoadOnStart() error {
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		return nil
	}

	var raw []byte
	var err error
	if p.key != nil {
		raw, err = secure.ReadBlob(p.path, p.key, secure.AADConfig)
	} else {
		raw, err = os.ReadFile(p.path)
	}
	if err != nil {
		return errors.Wrap(err, "loading registry")
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return errors.Wrap(err, "parsing registry")
	}
	p.store.importState(state)
	log.Infof("Restored %d machines from %s", len(state.Machines), p.path)
	return nil
}

// Run flushes the registry on the given period until ctx is done, with one
// final flush on the way out.
func (p *Persister) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.PersistNow(); err != nil {
				log.Errorf("final registry flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := p.PersistNow(); err != nil {
				log.Errorf("registry flush failed: %v", err)
			}
		}
	}
}

func (s *Store) exportState() persistedState {
	s.mu.RLock()
	machines := make(map[string]*machine, len(s.machines))
	for id, m := range s.machines {
		machines[id] = m
	}
	s.mu.RUnlock()

	state := persistedState{
		Machines: make(map[string]persistedMachine, len(machines)),
		SavedAt:  s.now(),
	}
	for id, m := range machines {
		m.mu.Lock()
		state.Machines[id] = persistedMachine{
			Info:      m.info,
			FirstSeen: m.firstSeen,
			LastSeen:  m.lastSeen,
			History:   append([]types.MetricSample(nil), m.history...),
			Probe:     m.probe,
			Commands:  append([]types.CommandEnvelope(nil), m.commands...),
		}
		m.mu.Unlock()
	}

	s.alertMu.Lock()
	state.Alerts = append([]types.Alert(nil), s.alerts...)
	s.alertMu.Unlock()
	return state
}

func (s *Store) importState(state persistedState) {
	s.mu.Lock()
	for id, pm := range state.Machines {
		s.machines[id] = &machine{
			info:      pm.Info,
			firstSeen: pm.FirstSeen,
			lastSeen:  pm.LastSeen,
			history:   pm.History,
			probe:     pm.Probe,
			commands:  pm.Commands,
			acked:     make(map[string]struct{}),
			notify:    make(chan struct{}),
		}
	}
	count := len(s.machines)
	s.mu.Unlock()

	s.alertMu.Lock()
	s.alerts = state.Alerts
	s.alertMu.Unlock()

	telemetry.MachinesTracked.Set(float64(count))
}
