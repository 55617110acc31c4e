// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config holds the configuration for both the agent and the fleet
// server: compiled defaults, an optional YAML/JSON file, and FLEET_* env
// var overrides, lowest to highest precedence.
package config

import (
	"strings"
	"sync"

	"github.com/DataDog/viper"
)

// Config wraps viper with a lock so concurrent readers and the runtime
// Set path don't race.
type Config struct {
	*viper.Viper
	sync.RWMutex
}

// Atlas is the global configuration instance, populated by Setup.
var Atlas = NewConfig("atlas")

// NewConfig returns an empty Config with the FLEET env prefix installed.
func NewConfig(name string) *Config {
	v := viper.New()
	v.SetConfigName(name)
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetTypeByDefaultValue(true)
	return &Config{Viper: v}
}

// BindEnvAndSetDefault sets a default for key and binds it to env vars. With
// no explicit names the FLEET_ prefixed transform of the key is used.
func (c *Config) BindEnvAndSetDefault(key string, val interface{}, envvars ...string) {
	c.SetDefault(key, val)
	args := append([]string{key}, envvars...)
	c.BindEnv(args...) //nolint:errcheck
}

// Set stores a value under key, taking the write lock.
func (c *Config) Set(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.Set(key, value)
}

// GetString reads a string value under the read lock.
func (c *Config) GetString(key string) string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetString(key)
}

// GetInt reads an int value under the read lock.
func (c *Config) GetInt(key string) int {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt(key)
}

// GetFloat64 reads a float value under the read lock.
func (c *Config) GetFloat64(key string) float64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetFloat64(key)
}

// GetBool reads a bool value under the read lock.
func (c *Config) GetBool(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetBool(key)
}

// GetStringSlice reads a string slice under the read lock.
func (c *Config) GetStringSlice(key string) []string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringSlice(key)
}

// AllSettings snapshots the merged settings tree under the read lock.
func (c *Config) AllSettings() map[string]interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.AllSettings()
}
