// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"

	"github.com/cihub/seelog"
)

const seelogConfigTemplate = `
<seelog minlevel="%[1]s">
	<outputs formatid="common">%[2]s
		<console />
	</outputs>
	<formats>
		<format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line in %%FuncShort) | %%Msg%%n"/>
	</formats>
</seelog>`

// BuildLogger creates a seelog backend writing to the console and, when
// logFile is non-empty, to a rolling file as well.
func BuildLogger(level, logFile string) (seelog.LoggerInterface, error) {
	fileOutput := ""
	if logFile != "" {
		fileOutput = fmt.Sprintf(`
		<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="1" />`, logFile)
	}
	cfg := fmt.Sprintf(seelogConfigTemplate, level, fileOutput)
	return seelog.LoggerFromConfigAsString(cfg)
}

// SetupFromConfig builds a seelog backend and installs it as the package
// singleton in one step.
func SetupFromConfig(level, logFile string) error {
	l, err := BuildLogger(level, logFile)
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}
