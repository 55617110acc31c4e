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

type cliFlags struct {
	cfgPath string
	devMode bool
	port    int
}

// Run executes the CLI and returns the process exit code.
func Run(args []string) int {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "atlas-fleet-server",
		Short:         "Atlas fleet aggregation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "path to the configuration file")
	root.PersistentFlags().BoolVar(&flags.devMode, "dev-mode", false, "relax probe certificate verification")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "listen port (default 8768)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the fleet server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), flags)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("atlas-fleet-server %s", version.AtlasVersion)
			if version.Commit != "" {
				fmt.Printf(" (%s)", version.Commit)
			}
			fmt.Println()
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
