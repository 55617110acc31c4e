// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package secure implements the authenticated-encryption envelope carried
// between agents and the fleet server, plus the stricter at-rest envelope
// used for configuration and registry persistence.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12
	// SaltSize is the per-installation random salt size in bytes.
	SaltSize = 32
	// DefaultKDFIterations is the PBKDF2 iteration count for new installs.
	DefaultKDFIterations = 600000
	// MinKDFIterations is the lowest iteration count accepted at startup.
	MinKDFIterations = 100000
)

// AAD purpose tags. Payloads sealed for one purpose never open under another.
const (
	AADReport    = "fleet.report.v1"
	AADWidgetLog = "fleet.widget-log.v1"
	AADConfig    = "fleet.config.v1"
)

// ErrAuthFailure is returned when a ciphertext fails authentication. The GCM
// tag check is constant time regardless of where the mismatch is.
var ErrAuthFailure = errors.New("payload authentication failed")

// EncryptedPayload is the wire form of a sealed envelope. The ciphertext
// field carries the GCM tag appended to the ciphertext; all fields are
// base64 in JSON.
type EncryptedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Seal encrypts plaintext under key with a fresh random nonce. aad may be
// empty. A (key, nonce) pair is never reused: the nonce is drawn from
// crypto/rand on every call.
func Seal(key, plaintext []byte, aad string) (*EncryptedPayload, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(aad))
	ct := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]

	return &EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Open authenticates and decrypts an envelope. It returns ErrAuthFailure on
// any tag or aad mismatch, without detail about which part failed.
func Open(key []byte, payload *EncryptedPayload, aad string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrAuthFailure
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, ErrAuthFailure
	}
	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil || len(tag) != aead.Overhead() {
		return nil, ErrAuthFailure
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), []byte(aad))
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func SealJSON(key []byte, v interface{}, aad string) (*EncryptedPayload, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling payload")
	}
	return Seal(key, plaintext, aad)
}

// OpenJSON opens an envelope and unmarshals the plaintext into v.
func OpenJSON(key []byte, payload *EncryptedPayload, aad string, v interface{}) error {
	plaintext, err := Open(key, payload, aad)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

// IsEnvelope reports whether raw looks like a sealed payload. Ingest uses
// this shape check to decide whether to open the envelope or treat the body
// as plaintext JSON.
func IsEnvelope(raw []byte) bool {
	var p EncryptedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Nonce != "" && p.Ciphertext != "" && p.Tag != ""
}

// DeriveKey stretches a password into an AES-256 key with
// PBKDF2-HMAC-SHA256. Deterministic for a given (password, salt, iterations).
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// KeyFromPassphrase maps a configured passphrase onto an AES-256 key.
// Both sides of the wire derive independently, so this is salt-free and
// deterministic; at-rest keys go through DeriveKey with a real salt.
func KeyFromPassphrase(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// GenerateSalt returns a fresh per-installation random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generating salt")
	}
	return salt, nil
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generating key")
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initializing cipher")
	}
	return cipher.NewGCM(block)
}
