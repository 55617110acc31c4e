// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/config"
	"github.com/sraths91/atlas/pkg/types"
)

// statusCommand queries the local agent API and renders a human summary.
func statusCommand(flags *cliFlags) error {
	cfg := config.Atlas
	if err := config.Setup(cfg, flags.cfgPath); err != nil {
		return errConfig(err)
	}
	applyAgentFlags(cfg, flags)

	port := cfg.GetInt("agent.port")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/agent/health", port))
	if err != nil {
		return errUnavailable(errors.Wrapf(err, "agent not reachable on port %d", port))
	}
	defer resp.Body.Close()

	var health types.AgentHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return errInternal(errors.Wrap(err, "decoding health response"))
	}

	printStatus(health)
	return nil
}

func printStatus(health types.AgentHealth) {
	statusText := color.GreenString(health.Status)
	if health.Status != "ok" {
		statusText = color.RedString(health.Status)
	}

	fmt.Printf("%s\n", color.New(color.Bold).Sprintf("Atlas Agent %s", health.AgentVersion))
	fmt.Printf("  Status:   %s\n", statusText)
	fmt.Printf("  Hostname: %s\n", health.Hostname)
	fmt.Printf("  Uptime:   %s\n", (time.Duration(health.UptimeS) * time.Second).String())
	fmt.Printf("  CPU: %.1f%%  Mem: %.1f%% (%.1f GB free)\n",
		health.System.CPUPercent, health.System.MemPercent, health.System.MemAvailGB)

	if health.FleetServerURL != "" {
		fmt.Printf("  Fleet server: %s\n", health.FleetServerURL)
		if health.LastFleetReportTS != nil {
			fmt.Printf("  Last report:  %s ago\n", time.Since(*health.LastFleetReportTS).Round(time.Second))
		} else {
			fmt.Printf("  Last report:  %s\n", color.YellowString("never"))
		}
	}

	names := make([]string, 0, len(health.Monitors))
	for name := range health.Monitors {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("  Monitors:")
	for _, name := range names {
		state := color.GreenString("running")
		if !health.Monitors[name] {
			state = color.RedString("stopped")
		}
		fmt.Printf("    %-12s %s\n", name, state)
	}
}
