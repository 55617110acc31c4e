// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

// maxIngestBody bounds report and widget log bodies.
const maxIngestBody = 4 << 20

// handleReport is the metric ingest path. Encrypted and plaintext bodies
// are both accepted; a body that looks like an envelope but cannot be
// opened is a key mismatch, not a schema error.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	select {
	case s.ingestSlots <- struct{}{}:
		defer func() { <-s.ingestSlots }()
	default:
		telemetry.ReportsDropped.WithLabelValues("overload").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "ingest saturated")
		return
	}

	var payload types.ReportPayload
	if !s.decodeIngest(w, r, secure.AADReport, &payload) {
		return
	}

	if !payload.Validate() {
		// the payload itself is never logged, only a correlatable reference
		ref := uuid.NewString()
		telemetry.ReportsDropped.WithLabelValues("schema").Inc()
		log.Warnf("rejected malformed report from %s (ref %s)", r.RemoteAddr, ref)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid report", "ref": ref})
		return
	}

	// The registry keys machines by machine_info.machine_id; the top-level
	// id is authoritative so a sparse machine_info cannot register "".
	payload.MachineInfo.MachineID = payload.MachineID
	s.opts.Registry.UpsertReport(payload.MachineInfo, payload.Metrics)
	telemetry.ReportsReceived.Inc()

	pending := len(s.opts.Registry.DequeueCommands(payload.MachineID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "commands_pending": pending})
}

// handleWidgetLogs stores forwarded UI events in the bounded ring.
func (s *Server) handleWidgetLogs(w http.ResponseWriter, r *http.Request) {
	var batch struct {
		MachineID string                 `json:"machine_id"`
		Events    []types.WidgetLogEvent `json:"events"`
	}
	if !s.decodeIngest(w, r, secure.AADWidgetLog, &batch) {
		return
	}

	s.widgetMu.Lock()
	for _, ev := range batch.Events {
		s.widgetLogs = append(s.widgetLogs, storedWidgetLog{MachineID: batch.MachineID, Event: ev})
	}
	if len(s.widgetLogs) > widgetLogCap {
		s.widgetLogs = s.widgetLogs[len(s.widgetLogs)-widgetLogCap:]
	}
	s.widgetMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// handleSpeedtestIngest records one speed test measurement.
func (s *Server) handleSpeedtestIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID string                `json:"machine_id"`
		Result    types.SpeedtestResult `json:"result"`
	}
	if !s.decodeIngest(w, r, secure.AADReport, &body) {
		return
	}
	if body.MachineID == "" || body.Result.TS.IsZero() {
		writeError(w, http.StatusBadRequest, "machine_id and result.ts are required")
		return
	}
	if err := s.opts.Speedtest.InsertResult(body.MachineID, body.Result); err != nil {
		log.Errorf("storing speedtest result: %v", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCommands long-polls for pending commands. Pending commands return
// immediately; otherwise the request parks until a command arrives or the
// poll window closes.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	machineID := mux.Vars(r)["machine_id"]
	if _, ok := s.opts.Registry.GetMachine(machineID); !ok {
		writeError(w, http.StatusNotFound, "unknown machine")
		return
	}

	cmds := s.opts.Registry.WaitForCommands(r.Context(), machineID, s.opts.CommandPollTimeout)
	if cmds == nil {
		cmds = []types.CommandEnvelope{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": cmds})
}

// handleAck acknowledges one delivered command.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	machineID := mux.Vars(r)["machine_id"]
	var body struct {
		CommandID string `json:"command_id"`
		Result    string `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&body); err != nil || body.CommandID == "" {
		writeError(w, http.StatusBadRequest, "command_id is required")
		return
	}

	if err := s.opts.Registry.AckCommand(machineID, body.CommandID, body.Result); err != nil {
		if errors.Is(err, store.ErrUnknownMachine) {
			writeError(w, http.StatusNotFound, "unknown machine")
			return
		}
		writeError(w, http.StatusNotFound, "command not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// decodeIngest reads the request body and decodes it into v, opening the
// envelope first when the body is sealed. It writes the error response
// itself and reports success.
func (s *Server) decodeIngest(w http.ResponseWriter, r *http.Request, aad string, v interface{}) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}

	if secure.IsEnvelope(raw) {
		if s.opts.EncryptionKey == nil {
			telemetry.ReportsDropped.WithLabelValues("key_mismatch").Inc()
			writeError(w, http.StatusUnauthorized, "key_mismatch")
			return false
		}
		var env secure.EncryptedPayload
		if err := json.Unmarshal(raw, &env); err != nil {
			writeError(w, http.StatusBadRequest, "malformed envelope")
			return false
		}
		if err := secure.OpenJSON(s.opts.EncryptionKey, &env, aad, v); err != nil {
			telemetry.ReportsDropped.WithLabelValues("key_mismatch").Inc()
			writeError(w, http.StatusUnauthorized, "key_mismatch")
			return false
		}
		return true
	}

	if err := json.Unmarshal(raw, v); err != nil {
		ref := uuid.NewString()
		log.Warnf("rejected undecodable body from %s (ref %s)", r.RemoteAddr, ref)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body", "ref": ref})
		return false
	}
	return true
}
