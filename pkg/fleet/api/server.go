// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api is the fleet server's HTTP surface: the agent-facing ingest
// and command endpoints keyed by the shared API key, and the session-authed
// admin endpoints backing the dashboard.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sraths91/atlas/pkg/fleet/speedtest"
	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/telemetry"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

// widgetLogCap bounds the in-memory widget log ring.
const widgetLogCap = 1000

// Options configure the fleet API server.
type Options struct {
	Port               int
	APIKey             string
	EncryptionKey      []byte // nil means plaintext ingest only
	CommandPollTimeout time.Duration
	IngestMaxPending   int

	SSLEnabled  bool
	SSLCertFile string
	SSLKeyFile  string

	Registry  *store.Store
	Speedtest *speedtest.Store
	Users     *UserStore
	Sessions  *SessionManager
}

// storedWidgetLog is one forwarded UI event with its origin.
type storedWidgetLog struct {
	MachineID string               `json:"machine_id"`
	Event     types.WidgetLogEvent `json:"event"`
}

// Server is the fleet HTTP server.
type Server struct {
	opts   Options
	router *mux.Router
	srv    *http.Server

	// ingestSlots bounds concurrent report processing; exhaustion is
	// answered with 503 + Retry-After rather than queueing.
	ingestSlots chan struct{}

	widgetMu   sync.Mutex
	widgetLogs []storedWidgetLog
}

// NewServer wires the routes. Call Start to begin serving.
func NewServer(opts Options) *Server {
	if opts.CommandPollTimeout <= 0 {
		opts.CommandPollTimeout = 30 * time.Second
	}
	if opts.IngestMaxPending <= 0 {
		opts.IngestMaxPending = 256
	}
	s := &Server{
		opts:        opts,
		router:      mux.NewRouter(),
		ingestSlots: make(chan struct{}, opts.IngestMaxPending),
	}

	// agent-facing, API-key authed
	s.router.HandleFunc("/api/fleet/report", s.requireAgentKey(s.handleReport)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/fleet/widget-logs", s.requireAgentKey(s.handleWidgetLogs)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/fleet/speedtest", s.requireAgentKey(s.handleSpeedtestIngest)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/fleet/commands/{machine_id}", s.requireAgentKey(s.handleCommands)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/commands/{machine_id}/ack", s.requireAgentKey(s.handleAck)).Methods(http.MethodPost)

	// auth
	s.router.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	s.router.HandleFunc("/login", s.handleLoginState).Methods(http.MethodGet)
	s.router.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	// dashboard, session authed
	s.router.HandleFunc("/api/fleet/summary", s.requireSession(s.handleSummary)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/machines", s.requireSession(s.handleMachines)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/machines/{machine_id}", s.requireSession(s.handleMachine)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/machines/{machine_id}/commands", s.requireSession(s.handleEnqueueCommand)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/fleet/alerts", s.requireSession(s.handleAlerts)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/widget-logs", s.requireSession(s.handleWidgetLogDump)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/speedtest/summary", s.requireSession(s.handleSpeedtestSummary)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/speedtest/comparison", s.requireSession(s.handleSpeedtestComparison)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/speedtest/recent", s.requireSession(s.handleSpeedtestRecent)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/speedtest/machines/{machine_id}", s.requireSession(s.handleSpeedtestStats)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/fleet/speedtest/machines/{machine_id}/anomalies", s.requireSession(s.handleSpeedtestAnomalies)).Methods(http.MethodGet)

	s.router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving, with TLS 1.2 to 1.3 when enabled.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler: s.router,
		// long polls hold the connection up to CommandPollTimeout
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.opts.CommandPollTimeout + 15*time.Second,
	}

	serve := func() error { return s.srv.Serve(listener) }
	if s.opts.SSLEnabled {
		s.srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
		serve = func() error {
			return s.srv.ServeTLS(listener, s.opts.SSLCertFile, s.opts.SSLKeyFile)
		}
	}

	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			log.Errorf("fleet API server stopped: %v", err)
		}
	}()
	log.Infof("fleet API listening on port %d (tls=%v)", s.opts.Port, s.opts.SSLEnabled)
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requireAgentKey rejects requests whose X-API-Key does not match, in
// constant time. A server with no key configured refuses agent traffic
// outright rather than running open.
func (s *Server) requireAgentKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !apiKeyEqual(r.Header.Get("X-API-Key"), s.opts.APIKey) {
			writeError(w, http.StatusUnauthorized, "key_mismatch")
			return
		}
		next(w, r)
	}
}

// requireSession checks the session cookie and, for state-changing methods,
// the CSRF token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, csrf, ok := s.opts.Sessions.Check(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			// same constant-time comparison as the agent key path
			if !apiKeyEqual(r.Header.Get("X-CSRF-Token"), csrf) {
				writeError(w, http.StatusForbidden, "missing or invalid CSRF token")
				return
			}
		}
		next(w, r)
	}
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
