// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api is the agent's local HTTP surface: liveness for probes and
// widgets, per-monitor status and history, on-demand runs, and widget log
// forwarding. It binds to localhost plus the LAN so the fleet server can
// probe it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
	"github.com/sraths91/atlas/pkg/version"
)

// Health shims, swapped in tests.
var (
	healthCPUPercent = cpu.Percent
	healthVirtualMem = mem.VirtualMemory
)

// ReportTracker is the slice of the fleet reporter the health endpoint
// needs.
type ReportTracker interface {
	LastReport() *time.Time
}

// Options configure the agent API server.
type Options struct {
	Port           int
	Registry       *monitor.Registry
	Reporter       ReportTracker
	FleetServerURL string
	ActionWorkers  int
	WidgetLogs     *WidgetForwarder
}

// Server is the agent's HTTP server.
type Server struct {
	opts     Options
	router   *mux.Router
	actions  *actionPool
	srv      *http.Server
	started  time.Time
	hostname string
}

// NewServer wires the routes. Call Start to begin serving.
func NewServer(opts Options) *Server {
	hostname, _ := os.Hostname()
	s := &Server{
		opts:     opts,
		router:   mux.NewRouter(),
		actions:  newActionPool(opts.ActionWorkers),
		started:  time.Now(),
		hostname: hostname,
	}

	// literal routes first so "agent" is never captured as a monitor name
	s.router.HandleFunc("/api/agent/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/monitors", s.handleListMonitors).Methods(http.MethodGet)
	s.router.HandleFunc("/api/actions/{id}", s.handleAction).Methods(http.MethodGet)
	s.router.HandleFunc("/api/widget-logs", s.handleWidgetLogs).Methods(http.MethodPost)
	s.router.HandleFunc("/api/{monitor}/status", s.handleMonitorStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/{monitor}/history", s.handleMonitorHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/api/{monitor}/export", s.handleMonitorExport).Methods(http.MethodGet)
	s.router.HandleFunc("/api/{monitor}/run", s.handleMonitorRun).Methods(http.MethodPost)
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("agent API server stopped: %v", err)
		}
	}()
	log.Infof("agent API listening on port %d", s.opts.Port)
	return nil
}

// Stop drains in-flight requests and the action pool.
func (s *Server) Stop(ctx context.Context) error {
	s.actions.stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleHealth answers with purely local state. It never calls out to the
// fleet server, so a dead uplink cannot make the agent look dead.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := types.AgentHealth{
		Status:         "ok",
		AgentVersion:   version.AtlasVersion,
		UptimeS:        time.Since(s.started).Seconds(),
		Hostname:       s.hostname,
		Timestamp:      time.Now().UTC(),
		FleetServerURL: s.opts.FleetServerURL,
		Responsive:     true,
	}
	if s.opts.Registry != nil {
		health.Monitors = s.opts.Registry.Statuses()
	}
	if s.opts.Reporter != nil {
		health.LastFleetReportTS = s.opts.Reporter.LastReport()
	}
	if pcts, err := healthCPUPercent(0, false); err == nil && len(pcts) > 0 {
		health.System.CPUPercent = pcts[0]
	}
	if vm, err := healthVirtualMem(); err == nil {
		health.System.MemPercent = vm.UsedPercent
		health.System.MemAvailGB = float64(vm.Available) / 1024 / 1024 / 1024
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": s.opts.Registry.Names()})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	exporter, ok := s.exporter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exporter.Status())
}

func (s *Server) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	exporter, ok := s.exporter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exporter.History())
}

func (s *Server) handleMonitorExport(w http.ResponseWriter, r *http.Request) {
	exporter, ok := s.exporter(w, r)
	if !ok {
		return
	}
	path := exporter.ExportPath()
	if path == "" {
		writeError(w, http.StatusNotFound, "monitor has no export")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", mux.Vars(r)["monitor"]+".csv"))
	http.ServeFile(w, r, path)
}

// handleMonitorRun queues an on-demand run and answers 202 with the action
// id. Clients poll /api/actions/{id} for the outcome.
func (s *Server) handleMonitorRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["monitor"]
	runner, ok := s.opts.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown monitor")
		return
	}
	trigger, ok := runner.Monitor().(monitor.Trigger)
	if !ok {
		writeError(w, http.StatusMethodNotAllowed, "monitor does not support on-demand runs")
		return
	}

	var params map[string]interface{}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&params) //nolint:errcheck
	}

	id, err := s.actions.submit(name, trigger, params, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		status := http.StatusTooManyRequests
		if errors.Is(err, ErrActionPoolStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"action_id": id, "state": ActionQueued})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action, ok := s.actions.get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired action")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// handleWidgetLogs accepts a batch of local UI events and hands it to the
// forwarder. The response never waits for the fleet server.
func (s *Server) handleWidgetLogs(w http.ResponseWriter, r *http.Request) {
	var events []types.WidgetLogEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "malformed widget log batch")
		return
	}
	s.opts.WidgetLogs.Enqueue(events)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) exporter(w http.ResponseWriter, r *http.Request) (monitor.Exporter, bool) {
	name := mux.Vars(r)["monitor"]
	runner, ok := s.opts.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown monitor")
		return nil, false
	}
	exporter, ok := runner.Monitor().(monitor.Exporter)
	if !ok {
		writeError(w, http.StatusNotFound, "monitor has no status surface")
		return nil, false
	}
	return exporter, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
