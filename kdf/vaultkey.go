// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package kdf

import (
	"crypto/subtle"

	"github.com/katzenpost/hpqc/util"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the size in bytes of a VaultKey.
const KeySize = 32

// fingerprintPrefix domain separates key fingerprints from every other
// use of the hash over key material.
var fingerprintPrefix = []byte("oubliette-vault-fingerprint")

// VaultKey is an owned 256 bit vault secret.  The identity of a vault
// is its key: two different keys are two different vaults.  A VaultKey
// must be zeroed with Zero on every exit path once its unlock session
// ends, is never serialized in cleartext, and renders redacted from
// all formatting verbs.
type VaultKey struct {
	key [KeySize]byte
}

// NewVaultKey copies raw into an owned VaultKey.  The caller retains
// responsibility for zeroing raw.
func NewVaultKey(raw *[KeySize]byte) *VaultKey {
	k := new(VaultKey)
	copy(k.key[:], raw[:])
	return k
}

// Bytes returns the raw key material.  The returned slice aliases the
// key's backing array; it must not be retained past the key's Zero.
func (k *VaultKey) Bytes() []byte {
	return k.key[:]
}

// Fingerprint returns the one way, non reversible derivative of the
// key used for indexing, artifact naming and duress comparison.
func (k *VaultKey) Fingerprint() [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write(fingerprintPrefix)
	h.Write(k.key[:])
	var fp [32]byte
	copy(fp[:], h.Sum(nil))
	return fp
}

// Equal compares two keys in constant time.
func (k *VaultKey) Equal(other *VaultKey) bool {
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// Zero erases the key material.  The key must not be used afterwards.
func (k *VaultKey) Zero() {
	util.ExplicitBzero(k.key[:])
}

// String implements fmt.Stringer without disclosing key material.
func (k *VaultKey) String() string {
	return "vaultkey:[redacted]"
}

// GoString keeps %#v from dumping the backing array.
func (k *VaultKey) GoString() string {
	return k.String()
}
