// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sraths91/atlas/pkg/secure"
)

func TestSetupDefaults(t *testing.T) {
	cfg := NewConfig("test")
	require.NoError(t, Setup(cfg, ""))

	assert.Equal(t, 8767, cfg.GetInt("agent.port"))
	assert.Equal(t, 8768, cfg.GetInt("server.port"))
	assert.Equal(t, 10, cfg.GetInt("agent.report_interval"))
	assert.Equal(t, 32, cfg.GetInt("probe.max_in_flight"))
	assert.False(t, cfg.GetBool("server.dev_mode"))
}

func TestSetupReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	cfg := NewConfig("test")
	require.NoError(t, Setup(cfg, path))
	assert.Equal(t, 9999, cfg.GetInt("server.port"))
}

func TestEnvVarOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fleet:\n  server_url: https://file.example\n"), 0o644))
	t.Setenv("FLEET_SERVER_URL", "https://env.example")

	cfg := NewConfig("test")
	require.NoError(t, Setup(cfg, path))
	assert.Equal(t, "https://env.example", cfg.GetString("fleet.server_url"))
}

func TestValidateRejectsWeakSettings(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
	}{
		{"weak bcrypt cost", "auth.bcrypt_cost", 4},
		{"weak kdf iterations", "auth.kdf_iterations", 1000},
		{"short encryption key", "fleet.encryption_key", "tooshort"},
		{"port out of range", "server.port", 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("test")
			initDefaults(cfg)
			cfg.Set(tt.key, tt.value)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateSSLRequiresCertFiles(t *testing.T) {
	cfg := NewConfig("test")
	initDefaults(cfg)
	cfg.Set("server.ssl_enabled", true)
	assert.Error(t, Validate(cfg))

	certFile := filepath.Join(t.TempDir(), "cert.pem")
	keyFile := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))
	cfg.Set("server.ssl_cert_file", certFile)
	cfg.Set("server.ssl_key_file", keyFile)
	assert.NoError(t, Validate(cfg))
}

func TestSecureStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  api_key: plaintext\n"), 0o644))

	store, err := NewSecureStore(path, "hunter2", secure.MinKDFIterations)
	require.NoError(t, err)

	settings := map[string]interface{}{
		"server": map[string]interface{}{"api_key": "k1"},
	}
	require.NoError(t, store.Save(settings))

	// plaintext removed after migration, blob and salt written at 0600
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	for _, p := range []string{store.EncryptedPath(), store.SaltPath()} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// fresh store (fresh process) recovers the value
	fresh, err := NewSecureStore(path, "hunter2", secure.MinKDFIterations)
	require.NoError(t, err)
	loaded, err := fresh.Load()
	require.NoError(t, err)
	server, ok := loaded["server"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "k1", server["api_key"])

	cfg := NewConfig("test")
	require.NoError(t, fresh.LoadInto(cfg))
	assert.Equal(t, "k1", cfg.GetString("server.api_key"))
}

func TestSecureStoreWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	store, err := NewSecureStore(path, "hunter2", secure.MinKDFIterations)
	require.NoError(t, err)
	require.NoError(t, store.Save(map[string]interface{}{"k": "v"}))

	bad, err := NewSecureStore(path, "wrong", secure.MinKDFIterations)
	require.NoError(t, err)
	_, err = bad.Load()
	assert.ErrorIs(t, err, secure.ErrAuthFailure)
}
