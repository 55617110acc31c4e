// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the atlas binaries.
package version

// AtlasVersion contains the version of the binary. It is populated at build
// time using -ldflags.
var AtlasVersion string

// Commit is populated with the short commit hash the binary was built from.
var Commit string

var versionDefault = "0.9.0"

func init() {
	if AtlasVersion == "" {
		AtlasVersion = versionDefault
	}
}
