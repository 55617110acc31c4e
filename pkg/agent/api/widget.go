// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

const widgetLogPath = "/api/fleet/widget-logs"

// widgetBatch is the forwarded body: the batch plus its origin machine.
type widgetBatch struct {
	MachineID string                 `json:"machine_id"`
	Events    []types.WidgetLogEvent `json:"events"`
}

// WidgetForwarder ships local UI log batches to the fleet server off the
// request path. Batches are best-effort: when the buffer is full or the
// server is away, the batch is dropped with a debug line, never blocking the
// local API.
type WidgetForwarder struct {
	serverURL     string
	apiKey        string
	encryptionKey []byte
	machineID     string
	client        *http.Client
	queue         chan widgetBatch
}

// NewWidgetForwarder returns a running forwarder. A nil return means
// forwarding is disabled (no server configured).
func NewWidgetForwarder(ctx context.Context, serverURL, apiKey, machineID string, encryptionKey []byte) *WidgetForwarder {
	if serverURL == "" {
		return nil
	}
	f := &WidgetForwarder{
		serverURL:     serverURL,
		apiKey:        apiKey,
		encryptionKey: encryptionKey,
		machineID:     machineID,
		client:        &http.Client{Timeout: 10 * time.Second},
		queue:         make(chan widgetBatch, 16),
	}
	go f.loop(ctx)
	return f
}

// Enqueue hands a batch to the forwarder without blocking.
func (f *WidgetForwarder) Enqueue(events []types.WidgetLogEvent) {
	if f == nil || len(events) == 0 {
		return
	}
	select {
	case f.queue <- widgetBatch{MachineID: f.machineID, Events: events}:
	default:
		log.Debugf("widget log buffer full, dropping batch of %d", len(events))
	}
}

func (f *WidgetForwarder) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-f.queue:
			if err := f.send(ctx, batch); err != nil {
				log.Debugf("widget log forward failed: %v", err)
			}
		}
	}
}

func (f *WidgetForwarder) send(ctx context.Context, batch widgetBatch) error {
	var body []byte
	var err error
	if f.encryptionKey != nil {
		env, sealErr := secure.SealJSON(f.encryptionKey, batch, secure.AADWidgetLog)
		if sealErr != nil {
			return sealErr
		}
		body, err = json.Marshal(env)
	} else {
		body, err = json.Marshal(batch)
	}
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.serverURL+widgetLogPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return errors.Errorf("widget log forward got status %d", resp.StatusCode)
	}
	return nil
}
