// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	cron "github.com/robfig/cron/v3"

	"github.com/sraths91/atlas/pkg/config"
	"github.com/sraths91/atlas/pkg/fleet/api"
	"github.com/sraths91/atlas/pkg/fleet/probe"
	"github.com/sraths91/atlas/pkg/fleet/speedtest"
	"github.com/sraths91/atlas/pkg/fleet/store"
	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/util/log"
)

// runServer wires and runs the fleet server until a signal arrives.
func runServer(ctx context.Context, flags *cliFlags) error {
	cfg := config.Atlas
	if err := config.Setup(cfg, flags.cfgPath); err != nil {
		return errConfig(err)
	}
	if flags.port != 0 {
		cfg.Set("server.port", flags.port)
	}
	if flags.devMode {
		cfg.Set("server.dev_mode", true)
	}
	if err := config.LoadEncryptedOverlay(cfg, flags.cfgPath); err != nil {
		return errConfig(err)
	}

	if err := log.SetupFromConfig(cfg.GetString("log_level"), cfg.GetString("log_file")); err != nil {
		return errConfig(err)
	}
	defer log.Flush()

	dataPath := cfg.GetString("server.data_path")
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return errInternal(errors.Wrap(err, "creating data directory"))
	}

	var encKey []byte
	if pass := cfg.GetString("fleet.encryption_key"); pass != "" {
		encKey = secure.KeyFromPassphrase(pass)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// machine registry with encrypted persistence
	registry := store.New(store.Options{
		HistoryLimit:      cfg.GetInt("server.history_limit"),
		CommandQueueLimit: cfg.GetInt("server.command_queue_limit"),
		ReportingTimeout:  time.Duration(cfg.GetInt("server.reporting_timeout")) * time.Second,
		AlertRetention:    time.Duration(cfg.GetInt("server.alert_retention_days")) * 24 * time.Hour,
	})
	persister, err := store.NewPersister(registry, dataPath, encKey)
	if err != nil {
		return errConfig(err)
	}
	if err := persister.LoadOnStart(); err != nil {
		return errInternal(err)
	}
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persister.Run(ctx, time.Duration(cfg.GetInt("server.persist_interval"))*time.Second)
	}()

	// speedtest aggregator with daily retention sweep
	speedtestStore, err := speedtest.Open(cfg.GetString("speedtest.db_path"))
	if err != nil {
		return errInternal(errors.Wrap(err, "opening speedtest store"))
	}
	defer speedtestStore.Close()

	retentionDays := cfg.GetInt("speedtest.retention_days")
	sweeper := cron.New()
	sweeper.AddFunc("@daily", func() { //nolint:errcheck
		if n, err := speedtestStore.Cleanup(retentionDays); err != nil {
			log.Errorf("speedtest retention sweep failed: %v", err)
		} else if n > 0 {
			log.Infof("speedtest retention sweep removed %d rows", n)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	// active prober
	prober := probe.New(registry, probe.Options{
		Interval:    time.Duration(cfg.GetInt("probe.interval")) * time.Second,
		Timeout:     time.Duration(cfg.GetInt("probe.timeout")) * time.Second,
		MaxInFlight: int64(cfg.GetInt("probe.max_in_flight")),
		AgentPort:   cfg.GetInt("probe.agent_port"),
		AgentTLS:    cfg.GetBool("probe.agent_tls"),
		DevMode:     cfg.GetBool("server.dev_mode"),
	})
	go prober.Run(ctx)

	// admin auth
	users, err := api.NewUserStore(
		cfg.GetString("server.users_path"),
		cfg.GetInt("auth.bcrypt_cost"),
		cfg.GetInt("server.min_password_length"),
	)
	if err != nil {
		return errInternal(errors.Wrap(err, "opening user store"))
	}
	sslEnabled := cfg.GetBool("server.ssl_enabled")
	sessions := api.NewSessionManager(
		time.Duration(cfg.GetInt("auth.session_ttl"))*time.Second,
		sslEnabled,
	)
	if !users.HasUsers() {
		log.Warnf("no admin users configured; POST /setup to create the first one")
	}

	server := api.NewServer(api.Options{
		Port:               cfg.GetInt("server.port"),
		APIKey:             cfg.GetString("fleet.api_key"),
		EncryptionKey:      encKey,
		CommandPollTimeout: time.Duration(cfg.GetInt("server.command_poll_timeout")) * time.Second,
		IngestMaxPending:   cfg.GetInt("server.ingest_max_pending"),
		SSLEnabled:         sslEnabled,
		SSLCertFile:        cfg.GetString("server.ssl_cert_file"),
		SSLKeyFile:         cfg.GetString("server.ssl_key_file"),
		Registry:           registry,
		Speedtest:          speedtestStore,
		Users:              users,
		Sessions:           sessions,
	})
	if err := server.Start(); err != nil {
		return errUnavailable(errors.Wrap(err, "starting fleet API"))
	}
	log.Infof("atlas-fleet-server started")

	<-ctx.Done()
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warnf("stopping fleet API: %v", err)
	}
	// the persister does its final flush when ctx closes
	<-persistDone
	return nil
}
