// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sraths91/atlas/pkg/util/log"
	"github.com/sraths91/atlas/pkg/version"
)

// Exit codes, BSD sysexits subset.
const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 69
	exitInternal    = 70
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func errConfig(err error) error      { return &exitError{code: exitConfig, err: err} }
func errUnavailable(err error) error { return &exitError{code: exitUnavailable, err: err} }
func errInternal(err error) error    { return &exitError{code: exitInternal, err: err} }

// cliFlags are the agent's command-line overrides; anything left at its zero
// value defers to the config file and env vars.
type cliFlags struct {
	serverURL     string
	apiKey        string
	encryptionKey string
	port          int
	interval      int
	cfgPath       string
}

// Run executes the CLI and returns the process exit code.
func Run(args []string) int {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "atlas-agent",
		Short:         "Atlas endpoint monitoring agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		// bare invocation behaves like "run"
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.serverURL, "server", "", "fleet server base URL")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "shared fleet API key")
	root.PersistentFlags().StringVar(&flags.encryptionKey, "encryption-key", "", "shared report encryption passphrase")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "local API port (default 8767)")
	root.PersistentFlags().IntVar(&flags.interval, "interval", 0, "fleet report interval in seconds (default 10)")
	root.PersistentFlags().StringVar(&flags.cfgPath, "cfgpath", "", "path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), flags)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("atlas-agent %s", version.AtlasVersion)
			if version.Commit != "" {
				fmt.Printf(" (%s)", version.Commit)
			}
			fmt.Println()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the status of the running agent",
		RunE: func(*cobra.Command, []string) error {
			return statusCommand(flags)
		},
	})

	root.SetArgs(args)
	err := root.Execute()
	log.Flush()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return exitInternal
}
