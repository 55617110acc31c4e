// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/secure"
)

func initDefaults(c *Config) {
	// agent
	c.BindEnvAndSetDefault("agent.port", 8767)
	c.BindEnvAndSetDefault("agent.data_dir", defaultDataDir())
	c.BindEnvAndSetDefault("agent.report_interval", 10) // seconds
	c.BindEnvAndSetDefault("agent.action_workers", 4)

	// monitor overrides; empty means the monitor's compiled default
	c.BindEnvAndSetDefault("monitors.ping_targets", []string{})
	c.BindEnvAndSetDefault("monitors.dns_resolvers", []string{})

	// fleet connection (agent side)
	c.BindEnvAndSetDefault("fleet.server_url", "", "FLEET_SERVER_URL")
	c.BindEnvAndSetDefault("fleet.api_key", "", "FLEET_API_KEY")
	c.BindEnvAndSetDefault("fleet.encryption_key", "", "FLEET_ENCRYPTION_KEY")

	// server
	c.BindEnvAndSetDefault("server.port", 8768, "FLEET_SERVER_PORT")
	c.BindEnvAndSetDefault("server.ssl_enabled", false, "FLEET_SSL_ENABLED")
	c.BindEnvAndSetDefault("server.ssl_cert_file", "")
	c.BindEnvAndSetDefault("server.ssl_key_file", "")
	c.BindEnvAndSetDefault("server.dev_mode", false)
	c.BindEnvAndSetDefault("server.data_path", defaultDataDir()+"/fleet_registry.dat")
	c.BindEnvAndSetDefault("server.users_path", defaultDataDir()+"/users.yaml")
	c.BindEnvAndSetDefault("server.persist_interval", 60) // seconds
	c.BindEnvAndSetDefault("server.reporting_timeout", 60)
	c.BindEnvAndSetDefault("server.history_limit", 100)
	c.BindEnvAndSetDefault("server.command_queue_limit", 50)
	c.BindEnvAndSetDefault("server.command_poll_timeout", 30)
	c.BindEnvAndSetDefault("server.alert_retention_days", 30)
	c.BindEnvAndSetDefault("server.ingest_max_pending", 256)
	c.BindEnvAndSetDefault("server.min_password_length", 12, "FLEET_MIN_PASSWORD_LENGTH")

	// probe scheduler
	c.BindEnvAndSetDefault("probe.interval", 60)
	c.BindEnvAndSetDefault("probe.timeout", 5)
	c.BindEnvAndSetDefault("probe.max_in_flight", 32)
	c.BindEnvAndSetDefault("probe.agent_port", 8767)
	c.BindEnvAndSetDefault("probe.agent_tls", false)

	// auth
	c.BindEnvAndSetDefault("auth.bcrypt_cost", 12)
	c.BindEnvAndSetDefault("auth.session_ttl", 8*3600) // seconds
	c.BindEnvAndSetDefault("auth.kdf_iterations", secure.DefaultKDFIterations)

	// speedtest aggregator
	c.BindEnvAndSetDefault("speedtest.db_path", defaultDataDir()+"/speedtest.db")
	c.BindEnvAndSetDefault("speedtest.retention_days", 90)

	// logging
	c.BindEnvAndSetDefault("log_level", "info")
	c.BindEnvAndSetDefault("log_file", "")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./atlas-data"
	}
	return home + "/.atlas"
}

// Setup populates cfg with defaults and, when cfgPath is non-empty, merges
// the config file on top. Env vars win over both. Returns validation errors
// so the caller can exit with the config-error code.
func Setup(cfg *Config, cfgPath string) error {
	initDefaults(cfg)

	if cfgPath != "" {
		// A missing plaintext file is fine: the content may live in the
		// encrypted store next to it (see SecureStore).
		if _, err := os.Stat(cfgPath); err == nil {
			cfg.SetConfigFile(cfgPath)
			if err := cfg.ReadInConfig(); err != nil {
				return errors.Wrap(err, "reading config file")
			}
		}
	}

	return Validate(cfg)
}

// LoadEncryptedOverlay merges the sealed settings blob next to cfgPath into
// cfg when FLEET_CONFIG_PASSWORD is set. Secrets migrated into the blob win
// over file and defaults; a blob that fails to authenticate is fatal.
func LoadEncryptedOverlay(cfg *Config, cfgPath string) error {
	password := os.Getenv("FLEET_CONFIG_PASSWORD")
	if password == "" || cfgPath == "" {
		return nil
	}
	store, err := NewSecureStore(cfgPath, password, cfg.GetInt("auth.kdf_iterations"))
	if err != nil {
		return err
	}
	if err := store.LoadInto(cfg); err != nil {
		return errors.Wrap(err, "loading encrypted settings")
	}
	return Validate(cfg)
}

// Validate refuses configurations that would weaken the credential story or
// cannot serve: weak bcrypt cost or KDF iterations, short encryption keys,
// out-of-range ports, SSL enabled with missing cert material.
func Validate(cfg *Config) error {
	var result *multierror.Error

	if cost := cfg.GetInt("auth.bcrypt_cost"); cost < 10 {
		result = multierror.Append(result, errors.Errorf("auth.bcrypt_cost %d is below the minimum of 10", cost))
	}
	if iters := cfg.GetInt("auth.kdf_iterations"); iters < secure.MinKDFIterations {
		result = multierror.Append(result, errors.Errorf("auth.kdf_iterations %d is below the minimum of %d", iters, secure.MinKDFIterations))
	}
	if key := cfg.GetString("fleet.encryption_key"); key != "" && len(key) < secure.KeySize {
		result = multierror.Append(result, errors.Errorf("fleet.encryption_key must be at least %d bytes", secure.KeySize))
	}
	for _, portKey := range []string{"agent.port", "server.port"} {
		if port := cfg.GetInt(portKey); port < 1 || port > 65535 {
			result = multierror.Append(result, errors.Errorf("%s %d is outside [1,65535]", portKey, port))
		}
	}
	if cfg.GetBool("server.ssl_enabled") {
		for _, fileKey := range []string{"server.ssl_cert_file", "server.ssl_key_file"} {
			path := cfg.GetString(fileKey)
			if path == "" {
				result = multierror.Append(result, errors.Errorf("server.ssl_enabled requires %s", fileKey))
				continue
			}
			if _, err := os.Stat(path); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "%s", fileKey))
			}
		}
	}

	return result.ErrorOrNil()
}
