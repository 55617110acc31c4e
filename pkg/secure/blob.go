// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package secure

import (
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// On-disk framing for encrypted blobs:
//
//	version(1) || salt_ref(32) || nonce(12) || ciphertext+tag
//
// The blob is raw bytes on disk; base64 framing is reserved for JSON APIs.
const blobVersion = 1

// WriteBlob seals plaintext under key and writes the framed blob to path
// with owner-only permissions. saltRef is recorded in the frame so a reader
// can confirm it derived the key from the right salt.
func WriteBlob(path string, key, saltRef, plaintext []byte, aad string) error {
	if len(saltRef) != SaltSize {
		return errors.Errorf("salt reference must be %d bytes, got %d", SaltSize, len(saltRef))
	}
	payload, err := Seal(key, plaintext, aad)
	if err != nil {
		return err
	}
	nonce, _ := base64.StdEncoding.DecodeString(payload.Nonce)
	ct, _ := base64.StdEncoding.DecodeString(payload.Ciphertext)
	tag, _ := base64.StdEncoding.DecodeString(payload.Tag)

	blob := make([]byte, 0, 1+SaltSize+NonceSize+len(ct)+len(tag))
	blob = append(blob, blobVersion)
	blob = append(blob, saltRef...)
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	blob = append(blob, tag...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return errors.Wrap(err, "writing encrypted blob")
	}
	return os.Rename(tmp, path)
}

// ReadBlob reads a framed blob from path and opens it under key. It returns
// ErrAuthFailure when the blob does not authenticate, and a distinct error
// when the frame itself is malformed.
func ReadBlob(path string, key []byte, aad string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+SaltSize+NonceSize+16 {
		return nil, errors.Errorf("encrypted blob %s is truncated", filepath.Base(path))
	}
	if blob[0] != blobVersion {
		return nil, errors.Errorf("unsupported blob version %d", blob[0])
	}

	nonceStart := 1 + SaltSize
	ctStart := nonceStart + NonceSize
	body := blob[ctStart:]
	ct := body[:len(body)-16]
	tag := body[len(body)-16:]

	payload := &EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(blob[nonceStart:ctStart]),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}
	return Open(key, payload, aad)
}

// BlobSaltRef returns the salt reference recorded in a framed blob without
// opening it.
func BlobSaltRef(path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+SaltSize || blob[0] != blobVersion {
		return nil, errors.Errorf("malformed encrypted blob %s", filepath.Base(path))
	}
	return blob[1 : 1+SaltSize], nil
}
