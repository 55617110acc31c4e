// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/sraths91/atlas/pkg/secure"
	"github.com/sraths91/atlas/pkg/util/log"
)

// SecureStore persists a settings tree encrypted at rest. The key is derived
// from a password over a per-installation random salt stored beside the blob
// (and only beside it), both at 0600. Once the encrypted file exists the
// plaintext config file is removed.
type SecureStore struct {
	// Path is the plaintext config path; the store writes Path+".encrypted"
	// and Path+".salt".
	Path       string
	Password   string
	Iterations int
}

// NewSecureStore returns a store for the given plaintext config path.
func NewSecureStore(path, password string, iterations int) (*SecureStore, error) {
	if iterations < secure.MinKDFIterations {
		return nil, errors.Errorf("kdf iterations %d below minimum %d", iterations, secure.MinKDFIterations)
	}
	return &SecureStore{Path: path, Password: password, Iterations: iterations}, nil
}

// EncryptedPath returns the path of the sealed blob.
func (s *SecureStore) EncryptedPath() string { return s.Path + ".encrypted" }

// SaltPath returns the path of the per-installation salt.
func (s *SecureStore) SaltPath() string { return s.Path + ".salt" }

// Save serializes settings as YAML, seals them, and writes blob and salt at
// 0600. If the plaintext config file still exists it is removed afterwards.
func (s *SecureStore) Save(settings map[string]interface{}) error {
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return err
	}
	key := secure.DeriveKey(s.Password, salt, s.Iterations)

	plaintext, err := yaml.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "serializing settings")
	}
	if err := secure.WriteBlob(s.EncryptedPath(), key, salt, plaintext, secure.AADConfig); err != nil {
		return err
	}

	if _, err := os.Stat(s.Path); err == nil {
		if err := os.Remove(s.Path); err != nil {
			return errors.Wrap(err, "removing plaintext config after migration")
		}
		log.Infof("Migrated plaintext config %s into %s", s.Path, s.EncryptedPath())
	}
	return nil
}

// Load opens the sealed blob and returns the settings tree. A missing blob
// returns an empty tree; a blob that fails to authenticate is an error the
// caller must treat as fatal at startup.
func (s *SecureStore) Load() (map[string]interface{}, error) {
	if _, err := os.Stat(s.EncryptedPath()); os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}

	salt, err := os.ReadFile(s.SaltPath())
	if err != nil {
		return nil, errors.Wrap(err, "reading salt")
	}
	if len(salt) != secure.SaltSize {
		return nil, errors.Errorf("salt file %s has %d bytes, want %d", s.SaltPath(), len(salt), secure.SaltSize)
	}
	key := secure.DeriveKey(s.Password, salt, s.Iterations)

	plaintext, err := secure.ReadBlob(s.EncryptedPath(), key, secure.AADConfig)
	if err != nil {
		return nil, err
	}

	settings := map[string]interface{}{}
	if err := yaml.Unmarshal(plaintext, &settings); err != nil {
		return nil, errors.Wrap(err, "parsing decrypted settings")
	}
	return normalizeTree(settings), nil
}

// LoadInto merges the stored settings into cfg.
func (s *SecureStore) LoadInto(cfg *Config) error {
	settings, err := s.Load()
	if err != nil {
		return err
	}
	for key, value := range flatten("", settings) {
		cfg.Set(key, value)
	}
	return nil
}

func (s *SecureStore) loadOrCreateSalt() ([]byte, error) {
	if salt, err := os.ReadFile(s.SaltPath()); err == nil {
		if len(salt) != secure.SaltSize {
			return nil, errors.Errorf("existing salt file %s is corrupt", s.SaltPath())
		}
		return salt, nil
	}
	salt, err := secure.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.SaltPath(), salt, 0o600); err != nil {
		return nil, errors.Wrap(err, "writing salt")
	}
	return salt, nil
}

// yaml.v2 produces map[interface{}]interface{}; convert so the tree is
// addressable with string keys everywhere.
func normalizeTree(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch m := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeValue(val)
			}
		}
		return out
	case map[string]interface{}:
		return normalizeTree(m)
	default:
		return v
	}
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
