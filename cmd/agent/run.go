// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	agentapi "github.com/sraths91/atlas/pkg/agent/api"
	"github.com/sraths91/atlas/pkg/agent/reporter"
	"github.com/sraths91/atlas/pkg/config"
	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/monitor/monitors/diskhealth"
	"github.com/sraths91/atlas/pkg/monitor/monitors/netquality"
	"github.com/sraths91/atlas/pkg/monitor/monitors/peripherals"
	"github.com/sraths91/atlas/pkg/monitor/monitors/ping"
	"github.com/sraths91/atlas/pkg/monitor/monitors/power"
	"github.com/sraths91/atlas/pkg/monitor/monitors/process"
	"github.com/sraths91/atlas/pkg/monitor/monitors/roaming"
	"github.com/sraths91/atlas/pkg/monitor/monitors/saas"
	"github.com/sraths91/atlas/pkg/monitor/monitors/security"
	speedtestmon "github.com/sraths91/atlas/pkg/monitor/monitors/speedtest"
	"github.com/sraths91/atlas/pkg/monitor/monitors/vpn"
	"github.com/sraths91/atlas/pkg/monitor/monitors/wifi"
	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

// runAgent wires and runs the whole agent until a signal arrives.
func runAgent(ctx context.Context, flags *cliFlags) error {
	cfg := config.Atlas
	if err := config.Setup(cfg, flags.cfgPath); err != nil {
		return errConfig(err)
	}
	applyAgentFlags(cfg, flags)
	if err := config.LoadEncryptedOverlay(cfg, flags.cfgPath); err != nil {
		return errConfig(err)
	}

	if err := log.SetupFromConfig(cfg.GetString("log_level"), cfg.GetString("log_file")); err != nil {
		return errConfig(err)
	}
	defer log.Flush()

	dataDir := cfg.GetString("agent.data_dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return errInternal(errors.Wrap(err, "creating data directory"))
	}

	serverURL := strings.TrimRight(cfg.GetString("fleet.server_url"), "/")
	apiKey := cfg.GetString("fleet.api_key")
	var encKey []byte
	if pass := cfg.GetString("fleet.encryption_key"); pass != "" {
		encKey = secure.KeyFromPassphrase(pass)
	}

	machineInfo := reporter.CollectMachineInfo()
	log.Infof("starting atlas-agent %s as machine %s", machineInfo.AgentVersion, machineInfo.MachineID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink speedtestmon.Sink
	if serverURL != "" {
		sink = &fleetSpeedtestSink{
			serverURL: serverURL,
			apiKey:    apiKey,
			encKey:    encKey,
			machineID: machineInfo.MachineID,
			client:    &http.Client{Timeout: 10 * time.Second},
		}
	}

	registry := monitor.NewRegistry()
	speedtestCheck, err := registerMonitors(registry, cfg, dataDir, sink)
	if err != nil {
		return errInternal(err)
	}

	var rep *reporter.Reporter
	if serverURL != "" {
		rep, err = reporter.New(reporter.Options{
			ServerURL:     serverURL,
			APIKey:        apiKey,
			EncryptionKey: encKey,
			Interval:      time.Duration(cfg.GetInt("agent.report_interval")) * time.Second,
			MachineInfo:   machineInfo,
		})
		if err != nil {
			return errConfig(err)
		}
		go func() {
			// a credential rejection stops reporting but not the agent;
			// the health endpoint keeps showing the stale last_report_ts
			rep.Run(ctx) //nolint:errcheck
		}()
	}

	forwarder := agentapi.NewWidgetForwarder(ctx, serverURL, apiKey, machineInfo.MachineID, encKey)

	srvOpts := agentapi.Options{
		Port:           cfg.GetInt("agent.port"),
		Registry:       registry,
		FleetServerURL: serverURL,
		ActionWorkers:  cfg.GetInt("agent.action_workers"),
		WidgetLogs:     forwarder,
	}
	if rep != nil {
		srvOpts.Reporter = rep
	}
	server := agentapi.NewServer(srvOpts)
	if err := server.Start(); err != nil {
		return errUnavailable(errors.Wrap(err, "starting agent API"))
	}

	registry.StartAll()

	if serverURL != "" {
		go pollCommands(ctx, serverURL, apiKey, machineInfo.MachineID, speedtestCheck)
	}

	<-ctx.Done()
	log.Infof("shutting down")

	registry.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warnf("stopping agent API: %v", err)
	}
	return nil
}

// applyAgentFlags lets explicit command-line flags win over file and env.
func applyAgentFlags(cfg *config.Config, flags *cliFlags) {
	if flags.serverURL != "" {
		cfg.Set("fleet.server_url", flags.serverURL)
	}
	if flags.apiKey != "" {
		cfg.Set("fleet.api_key", flags.apiKey)
	}
	if flags.encryptionKey != "" {
		cfg.Set("fleet.encryption_key", flags.encryptionKey)
	}
	if flags.port != 0 {
		cfg.Set("agent.port", flags.port)
	}
	if flags.interval != 0 {
		cfg.Set("agent.report_interval", flags.interval)
	}
}

// registerMonitors builds every monitor instance against the shared data
// directory. The speedtest check is returned separately so command dispatch
// can trigger it.
func registerMonitors(registry *monitor.Registry, cfg *config.Config, dataDir string, sink speedtestmon.Sink) (*speedtestmon.Check, error) {
	pingCheck, err := ping.New(dataDir, cfg.GetStringSlice("monitors.ping_targets"))
	if err != nil {
		return nil, err
	}
	wifiCheck, err := wifi.New(dataDir)
	if err != nil {
		return nil, err
	}
	roamingCheck, err := roaming.New(dataDir)
	if err != nil {
		return nil, err
	}
	speedtestCheck, err := speedtestmon.New(dataDir, sink)
	if err != nil {
		return nil, err
	}
	vpnCheck, err := vpn.New(dataDir)
	if err != nil {
		return nil, err
	}
	saasCheck, err := saas.New(dataDir, nil)
	if err != nil {
		return nil, err
	}
	netqualityCheck, err := netquality.New(dataDir, cfg.GetStringSlice("monitors.dns_resolvers"))
	if err != nil {
		return nil, err
	}
	peripheralsCheck, err := peripherals.New(dataDir)
	if err != nil {
		return nil, err
	}
	powerCheck, err := power.New(dataDir)
	if err != nil {
		return nil, err
	}
	securityCheck, err := security.New(dataDir)
	if err != nil {
		return nil, err
	}
	diskCheck, err := diskhealth.New(dataDir)
	if err != nil {
		return nil, err
	}
	processCheck, err := process.New(dataDir)
	if err != nil {
		return nil, err
	}

	for _, m := range []monitor.Monitor{
		pingCheck, wifiCheck, roamingCheck, speedtestCheck, vpnCheck, saasCheck,
		netqualityCheck, peripheralsCheck, powerCheck, securityCheck, diskCheck, processCheck,
	} {
		if err := registry.Register(m, 0); err != nil {
			return nil, err
		}
	}
	return speedtestCheck, nil
}

// fleetSpeedtestSink forwards completed speed tests to the fleet aggregator.
type fleetSpeedtestSink struct {
	serverURL string
	apiKey    string
	encKey    []byte
	machineID string
	client    *http.Client
}

func (s *fleetSpeedtestSink) Publish(ctx context.Context, result types.SpeedtestResult) error {
	payload := map[string]interface{}{"machine_id": s.machineID, "result": result}

	var body []byte
	var err error
	if s.encKey != nil {
		env, sealErr := secure.SealJSON(s.encKey, payload, secure.AADReport)
		if sealErr != nil {
			return sealErr
		}
		body, err = json.Marshal(env)
	} else {
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/fleet/speedtest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("speedtest ingest answered %d", resp.StatusCode)
	}
	return nil
}

// pollCommands long-polls the fleet server for queued commands and
// acknowledges each exactly once. The server only knows this machine after
// its first report, so 404s back off quietly.
func pollCommands(ctx context.Context, serverURL, apiKey, machineID string, speedtestCheck *speedtestmon.Check) {
	client := &http.Client{Timeout: 45 * time.Second}
	commandsURL := fmt.Sprintf("%s/api/fleet/commands/%s", serverURL, machineID)

	for ctx.Err() == nil {
		cmds, err := fetchCommands(ctx, client, commandsURL, apiKey)
		if err != nil {
			log.Debugf("polling commands: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, cmd := range cmds {
			result := dispatchCommand(ctx, cmd, speedtestCheck)
			if err := ackCommand(ctx, client, commandsURL+"/ack", apiKey, cmd.CommandID, result); err != nil {
				log.Warnf("acknowledging command %s: %v", cmd.CommandID, err)
			}
		}
	}
}

func fetchCommands(ctx context.Context, client *http.Client, url, apiKey string) ([]types.CommandEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("command poll answered %d", resp.StatusCode)
	}

	var body struct {
		Commands []types.CommandEnvelope `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Commands, nil
}

func dispatchCommand(ctx context.Context, cmd types.CommandEnvelope, speedtestCheck *speedtestmon.Check) string {
	log.Infof("executing command %s (%s)", cmd.CommandID, cmd.Type)
	switch cmd.Type {
	case "run_speedtest":
		runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		result, err := speedtestCheck.TriggerRun(runCtx, cmd.Params)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		if r, ok := result.(types.SpeedtestResult); ok {
			return fmt.Sprintf("ok: %.1f/%.1f Mbps, %.0f ms", r.DownloadMbps, r.UploadMbps, r.PingMS)
		}
		return "ok"
	default:
		return fmt.Sprintf("unsupported command type %q", cmd.Type)
	}
}

func ackCommand(ctx context.Context, client *http.Client, url, apiKey, commandID, result string) error {
	body, err := json.Marshal(map[string]string{"command_id": commandID, "result": result})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("ack answered %d", resp.StatusCode)
	}
	return nil
}
