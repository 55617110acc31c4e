// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// atlas-agent is the per-endpoint binary: it hosts the monitor framework,
// serves the local HTTP API, and reports to the fleet server when one is
// configured.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}
