// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/fleet/speedtest"
	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup creates the first admin account. Once any account exists the
// endpoint closes.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if s.opts.Users.HasUsers() {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}
	var creds credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&creds); err != nil || creds.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.opts.Users.SetPassword(creds.Username, creds.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Infof("initial admin account %q created", creds.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// handleLogin verifies credentials and issues a session. Every failure is
// the same 401.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login")
		return
	}
	if err := s.opts.Users.Verify(creds.Username, creds.Password); err != nil {
		if !errors.Is(err, ErrBadCredentials) {
			log.Errorf("login verification for %q: %v", creds.Username, err)
		}
		writeError(w, http.StatusUnauthorized, ErrBadCredentials.Error())
		return
	}

	csrf, err := s.opts.Sessions.Issue(w, creds.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "csrf_token": csrf})
}

// handleLoginState lets the dashboard decide between the login form and the
// first-run setup flow without authenticating.
func (s *Server) handleLoginState(w http.ResponseWriter, r *http.Request) {
	_, _, authed := s.opts.Sessions.Check(r)
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": authed,
		"needs_setup":   !s.opts.Users.HasUsers(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.opts.Sessions.Revoke(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.FleetSummary())
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": s.opts.Registry.ListMachines()})
}

func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.opts.Registry.GetMachine(mux.Vars(r)["machine_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown machine")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEnqueueCommand queues a command for a machine; a full queue is a
// 409 so the operator knows the agent is not draining.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	machineID := mux.Vars(r)["machine_id"]
	var body struct {
		Type   string                 `json:"type"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&body); err != nil || body.Type == "" {
		writeError(w, http.StatusBadRequest, "command type is required")
		return
	}

	cmd := types.CommandEnvelope{
		CommandID: uuid.NewString(),
		Type:      body.Type,
		Params:    body.Params,
	}
	if err := s.opts.Registry.EnqueueCommand(machineID, cmd); err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownMachine):
			writeError(w, http.StatusNotFound, "unknown machine")
		case errors.Is(err, store.ErrQueueFull):
			writeError(w, http.StatusConflict, "command queue full")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmd.CommandID})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.opts.Registry.Alerts()})
}

func (s *Server) handleWidgetLogDump(w http.ResponseWriter, r *http.Request) {
	s.widgetMu.Lock()
	logs := append([]storedWidgetLog(nil), s.widgetLogs...)
	s.widgetMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"widget_logs": logs})
}

func (s *Server) handleSpeedtestSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.opts.Speedtest.Summary(queryInt(r, "window", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSpeedtestComparison(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Speedtest.Comparison(queryInt(r, "window", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": entries})
}

func (s *Server) handleSpeedtestRecent(w http.ResponseWriter, r *http.Request) {
	results, err := s.opts.Speedtest.Recent(r.URL.Query().Get("machine_id"), queryInt(r, "window", 24), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleSpeedtestStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Speedtest.Stats(mux.Vars(r)["machine_id"], queryInt(r, "window", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSpeedtestAnomalies(w http.ResponseWriter, r *http.Request) {
	threshold := 2.0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			threshold = v
		}
	}
	anomalies, err := s.opts.Speedtest.Anomalies(mux.Vars(r)["machine_id"], threshold, queryInt(r, "window", 24))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if anomalies == nil {
		anomalies = []speedtest.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": anomalies, "threshold_std": threshold})
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}
