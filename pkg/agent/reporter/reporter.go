// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package reporter ships periodic metric reports from the agent to the fleet
// server, sealed when a shared encryption key is configured.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

const reportPath = "/api/fleet/report"

// ErrKeyRejected means the server refused our API key or could not open the
// envelope. Retrying with the same credentials cannot succeed, so the report
// loop stops.
var ErrKeyRejected = errors.New("fleet server rejected credentials")

// Options configure a Reporter.
type Options struct {
	ServerURL     string
	APIKey        string
	EncryptionKey []byte // nil disables sealing
	Interval      time.Duration
	Client        *http.Client
	Collect       func() types.MetricSample
	MachineInfo   types.MachineInfo
}

// Reporter runs the report loop. One report is in flight at a time; a new
// tick supersedes a still-retrying older payload.
type Reporter struct {
	opts Options

	mu           sync.Mutex
	lastReportTS *time.Time
	lastErr      error
}

// New validates the options and returns a reporter.
func New(opts Options) (*Reporter, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("reporter needs a server URL")
	}
	if opts.EncryptionKey != nil && len(opts.EncryptionKey) != secure.KeySize {
		return nil, errors.Errorf("encryption key must be %d bytes", secure.KeySize)
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Collect == nil {
		opts.Collect = CollectSample
	}
	return &Reporter{opts: opts}, nil
}

// LastReport returns when the last report was accepted, nil if never.
func (r *Reporter) LastReport() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReportTS
}

// LastError returns the most recent send failure, cleared on success.
func (r *Reporter) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Run sends a report every interval until ctx is done or the server rejects
// the credentials. The first report goes out immediately.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if err := r.reportOnce(ctx); errors.Is(err, ErrKeyRejected) {
			log.Errorf("stopping fleet reporting: %v", err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// reportOnce builds the freshest payload and sends it, retrying transient
// failures with exponential backoff bounded by the report interval. When the
// budget runs out the payload is dropped; the next tick carries newer data
// anyway.
func (r *Reporter) reportOnce(ctx context.Context) error {
	payload := types.ReportPayload{
		MachineID:   r.opts.MachineInfo.MachineID,
		MachineInfo: r.opts.MachineInfo,
		Metrics:     r.opts.Collect(),
	}

	body, err := r.encode(payload)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = r.opts.Interval

	err = backoff.Retry(func() error {
		return r.send(ctx, body)
	}, backoff.WithContext(policy, ctx))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
		if !errors.Is(err, ErrKeyRejected) {
			log.Debugf("report not delivered, superseded by next tick: %v", err)
		}
		return err
	}
	now := time.Now().UTC()
	r.lastReportTS = &now
	r.lastErr = nil
	return nil
}

func (r *Reporter) encode(payload types.ReportPayload) ([]byte, error) {
	if r.opts.EncryptionKey == nil {
		return json.Marshal(payload)
	}
	env, err := secure.SealJSON(r.opts.EncryptionKey, payload, secure.AADReport)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (r *Reporter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.ServerURL+reportPath, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.APIKey != "" {
		req.Header.Set("X-API-Key", r.opts.APIKey)
	}

	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending report")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(errors.Wrapf(ErrKeyRejected, "status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return errors.Errorf("server overloaded (status %d)", resp.StatusCode)
	default:
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
}
