// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypt implements the authenticated cipher used for all at
// rest encryption: self describing ChaCha20-Poly1305 buffers and a
// chunked streaming file format for large payloads.
//
// Decrypt failures surface here as ErrAuthenticationFailure.  Callers
// sitting on a deniability boundary (index load, recovery lookup) must
// absorb that error into an empty result rather than propagate it;
// this package never distinguishes "wrong key" from "mangled bytes".
package crypt

import (
	"crypto/cipher"
	"errors"

	"github.com/katzenpost/hpqc/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/oubliette/kdf"
)

const (
	// NonceSize is the AEAD nonce size, 96 bits, random per call.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the AEAD authentication tag size, 128 bits.
	TagSize = chacha20poly1305.Overhead

	// Overhead is the total ciphertext expansion of Encrypt.
	Overhead = NonceSize + TagSize
)

// ErrAuthenticationFailure is returned when a ciphertext does not
// authenticate under the presented key.  Truncated and otherwise
// malformed ciphertexts return the same error on purpose.
var ErrAuthenticationFailure = errors.New("crypt: authentication failure")

func newAEAD(key *kdf.VaultKey) cipher.AEAD {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		// Key size is fixed by the VaultKey type.
		panic(err)
	}
	return aead
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrAuthenticationFailure
	}
	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// Encrypt seals plaintext under key.  The ciphertext is self
// describing: nonce and tag are embedded, no side channel state is
// needed to decrypt it later.
func Encrypt(plaintext []byte, key *kdf.VaultKey) ([]byte, error) {
	return seal(newAEAD(key), plaintext)
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(ciphertext []byte, key *kdf.VaultKey) ([]byte, error) {
	return open(newAEAD(key), ciphertext)
}
