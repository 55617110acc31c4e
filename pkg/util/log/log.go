// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log wraps seelog behind package-level helpers so the rest of the
// codebase never touches the logging backend directly.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *atlasLogger

	// Lines logged before SetupLogger runs are buffered and replayed once
	// the logger exists. Config loading happens first, so this buffer is
	// short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 2
)

// atlasLogger wraps a seelog logger with a level gate.
type atlasLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the package singleton with the given seelog backend
// and minimum level. Unknown levels fall back to info.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &atlasLogger{
		inner: l,
		level: lvl,
	}
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	if bufferLogsBeforeInit {
		logsBuffer = append(logsBuffer, logHandle)
	}
}

func (sw *atlasLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

func (sw *atlasLogger) changeLogLevel(level string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.level = lvl
	return nil
}

// ChangeLogLevel changes the minimum level at runtime.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change level: logger not initialized")
	}
	return logger.changeLogLevel(level)
}

// GetLogLevel returns the current minimum level, defaulting to info when the
// logger is not set up yet.
func GetLogLevel() seelog.LogLevel {
	if logger == nil {
		return seelog.InfoLvl
	}
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level
}

// Flush flushes the underlying logger's buffers.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}

// Tracef formats message according to format specifier and logs it at trace level.
func Tracef(format string, params ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Tracef(format, params...) })
		return
	}
	if logger.shouldLog(seelog.TraceLvl) {
		logger.l.RLock()
		logger.inner.Tracef(format, params...)
		logger.l.RUnlock()
	}
}

// Debugf formats message according to format specifier and logs it at debug level.
func Debugf(format string, params ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Debugf(format, params...) })
		return
	}
	if logger.shouldLog(seelog.DebugLvl) {
		logger.l.RLock()
		logger.inner.Debugf(format, params...)
		logger.l.RUnlock()
	}
}

// Infof formats message according to format specifier and logs it at info level.
func Infof(format string, params ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Infof(format, params...) })
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.l.RLock()
		logger.inner.Infof(format, params...)
		logger.l.RUnlock()
	}
}

// Warnf formats message according to format specifier, logs it at warn level
// and returns the message as an error.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.l.RLock()
		logger.inner.Warn(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Errorf formats message according to format specifier, logs it at error
// level and returns the message as an error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.l.RLock()
		logger.inner.Error(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Debug logs at debug level, space separated.
func Debug(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Debug(v...) })
		return
	}
	if logger.shouldLog(seelog.DebugLvl) {
		logger.l.RLock()
		logger.inner.Debug(v...)
		logger.l.RUnlock()
	}
}

// Info logs at info level, space separated.
func Info(v ...interface{}) {
	if logger == nil {
		addLogToBuffer(func() { Info(v...) })
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.l.RLock()
		logger.inner.Info(v...)
		logger.l.RUnlock()
	}
}

// Warn logs at warn level and returns the message as an error.
func Warn(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if logger == nil {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.l.RLock()
		logger.inner.Warn(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Error logs at error level and returns the message as an error.
func Error(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if logger == nil {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.l.RLock()
		logger.inner.Error(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}
