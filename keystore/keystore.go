// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keystore defines the contract for the platform secret store
// holding the two install wide secrets: the device salt binding vault
// keys to this device, and the master key protecting the recovery
// database.
//
// On platforms with a hardware enclave the SecretStore implementation
// wraps it and the secrets are never extractable; FileStore exists for
// tests and platforms without one.  Loss of either secret is
// unrecoverable BY DESIGN: every vault and every recovery record
// becomes permanently inaccessible, and no retry or rebuild path
// exists.  This is an accepted risk, not a bug.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/oubliette/utils"
)

// SecretSize is the size of both install wide secrets.
const SecretSize = 32

// ErrKeyStore wraps any failure of the underlying secret store.
var ErrKeyStore = errors.New("keystore: secret store failure")

// SecretStore is the platform secret store consumed by the vault
// manager.  Implementations must return the same secrets for the
// lifetime of the install.
type SecretStore interface {
	// GetOrCreateDeviceSalt returns the device bound KDF salt,
	// generating it on first use.
	GetOrCreateDeviceSalt() (*[SecretSize]byte, error)

	// GetOrCreateMasterKey returns the recovery database master key,
	// generating it on first use.
	GetOrCreateMasterKey() (*[SecretSize]byte, error)
}

// FileStore is a SecretStore backed by 0600 files.  It provides none
// of the non-extractability of a hardware store and exists for tests
// and enclave-less platforms.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) getOrCreate(name string) (*[SecretSize]byte, error) {
	path := filepath.Join(s.dir, name)
	out := new([SecretSize]byte)
	if utils.Exists(path) {
		raw, err := os.ReadFile(path)
		if err != nil || len(raw) != SecretSize {
			return nil, fmt.Errorf("%w: reading %s", ErrKeyStore, name)
		}
		copy(out[:], raw)
		return out, nil
	}
	if _, err := rand.Reader.Read(out[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	if err := utils.WriteAtomic(path, out[:], 0600); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	return out, nil
}

// GetOrCreateDeviceSalt implements SecretStore.
func (s *FileStore) GetOrCreateDeviceSalt() (*[SecretSize]byte, error) {
	return s.getOrCreate("device_salt")
}

// GetOrCreateMasterKey implements SecretStore.
func (s *FileStore) GetOrCreateMasterKey() (*[SecretSize]byte, error) {
	return s.getOrCreate("master_key")
}
