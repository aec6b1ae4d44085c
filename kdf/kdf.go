// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kdf derives 256 bit vault keys from low entropy user input:
// canonicalized gestures, recovery phrases and cross device share
// phrases.
//
// Local derivations are bound to a per device secret salt held by the
// platform key store, so the same gesture yields different keys on
// different devices and an offline brute force against a stolen
// container is useless without the device.  Share keys deliberately
// use a fixed public salt instead, because they must derive
// identically on every device; their security rests entirely on
// phrase entropy.
//
// Derivation is pure and has no side effects: an abandoned unlock
// attempt simply runs to completion and discards the result.
package kdf

import (
	"crypto/sha512"
	"errors"
	"strings"

	"github.com/katzenpost/hpqc/util"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// VaultKeyIterations is the PBKDF2 iteration count for gesture
	// derived vault keys.  Changing it orphans every existing vault.
	VaultKeyIterations = 600000

	// PhraseKeyIterations is the PBKDF2 iteration count for recovery
	// and share phrases.  Typing a phrase is slower than drawing a
	// gesture, so the UX tolerates the stronger hardening.
	PhraseKeyIterations = 800000
)

// shareSalt is the fixed public salt for cross device share keys.
var shareSalt = []byte("oubliette-share-key-salt-v1\x00\x00\x00\x00\x00")

// ErrInvalidInput is returned when derivation input is malformed:
// an empty gesture, phrase or salt.
var ErrInvalidInput = errors.New("kdf: invalid input")

func derive(secret, salt []byte, iterations int) *VaultKey {
	raw := pbkdf2.Key(secret, salt, iterations, KeySize, sha512.New)
	defer util.ExplicitBzero(raw)
	var buf [KeySize]byte
	copy(buf[:], raw)
	k := NewVaultKey(&buf)
	util.ExplicitBzero(buf[:])
	return k
}

// DeriveVaultKey derives a vault key from a canonicalized gesture and
// the device bound secret salt.
func DeriveVaultKey(canonicalGesture, deviceSalt []byte) (*VaultKey, error) {
	return DeriveVaultKeyN(canonicalGesture, deviceSalt, VaultKeyIterations)
}

// DeriveVaultKeyN is DeriveVaultKey with an explicit iteration count.
// Production callers use DeriveVaultKey; the knob exists so test
// configurations do not spend hundreds of milliseconds per unlock.
func DeriveVaultKeyN(canonicalGesture, deviceSalt []byte, iterations int) (*VaultKey, error) {
	if len(canonicalGesture) == 0 || len(deviceSalt) == 0 || iterations <= 0 {
		return nil, ErrInvalidInput
	}
	return derive(canonicalGesture, deviceSalt, iterations), nil
}

// DeriveRecoveryKey derives a vault key from a recovery phrase and the
// device bound secret salt.  The phrase is normalized first, so the
// formatting the user typed it with does not matter.
func DeriveRecoveryKey(phrase string, deviceSalt []byte) (*VaultKey, error) {
	return DeriveRecoveryKeyN(phrase, deviceSalt, PhraseKeyIterations)
}

// DeriveRecoveryKeyN is DeriveRecoveryKey with an explicit iteration
// count, for test configurations.
func DeriveRecoveryKeyN(phrase string, deviceSalt []byte, iterations int) (*VaultKey, error) {
	normalized := NormalizePhrase(phrase)
	if normalized == "" || len(deviceSalt) == 0 || iterations <= 0 {
		return nil, ErrInvalidInput
	}
	return derive([]byte(normalized), deviceSalt, iterations), nil
}

// DeriveShareKey derives a cross device share key from a phrase using
// the fixed public salt.  NOT device bound: anyone holding the phrase
// can derive this key anywhere, which is the point.  Target phrase
// entropy is 80 bits or better.
func DeriveShareKey(phrase string) (*VaultKey, error) {
	return DeriveShareKeyN(phrase, PhraseKeyIterations)
}

// DeriveShareKeyN is DeriveShareKey with an explicit iteration count,
// for test configurations.
func DeriveShareKeyN(phrase string, iterations int) (*VaultKey, error) {
	normalized := NormalizePhrase(phrase)
	if normalized == "" || iterations <= 0 {
		return nil, ErrInvalidInput
	}
	return derive([]byte(normalized), shareSalt, iterations), nil
}

// DerivePerRecipientSyncKey re-derives the unique per recipient key
// for a share without persisting the original share phrase:
// blake2b-256(vaultKey || shareID).
func DerivePerRecipientSyncKey(k *VaultKey, shareID string) ([32]byte, error) {
	if shareID == "" {
		return [32]byte{}, ErrInvalidInput
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write(k.Bytes())
	h.Write([]byte(shareID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// NormalizePhrase canonicalizes a phrase for deterministic
// re-derivation: NFKC normalization, lowercase, trimmed, internal
// whitespace collapsed to single spaces.
func NormalizePhrase(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
