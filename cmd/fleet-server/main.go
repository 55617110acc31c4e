// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// atlas-fleet-server is the central aggregator: it ingests agent reports,
// probes agents actively, serves the admin API, and aggregates speed tests.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}
