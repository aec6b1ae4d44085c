// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// unlock.go - vault creation and the fixed latency unlock path

package vault

import (
	"encoding/binary"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/oubliette/gesture"
	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/recovery"
)

// CreateVault derives a key from the gesture and creates a new, empty
// vault for it, together with its generated recovery phrase.  A
// gesture whose key already backs a vault fails with ErrKeyCollision
// so two gestures can never silently share (and destroy) one index.
func (m *Manager) CreateVault(cells []int, gridSize int) (*Session, error) {
	canonical, err := gesture.Canonicalize(cells, gridSize)
	if err != nil {
		return nil, err
	}
	key, err := kdf.DeriveVaultKeyN(canonical, m.deviceSalt[:], m.cfg.Unlock.GestureKDFIterations)
	if err != nil {
		return nil, err
	}
	fp := key.Fingerprint()

	l := m.lockFor(fp)
	l.Lock()
	defer l.Unlock()

	if err = m.container.InitVault(key); err != nil {
		key.Zero()
		return nil, err
	}
	phrase, err := recovery.GeneratePhrase()
	if err == nil {
		err = m.recovery.Save(phrase, cells, gridSize, key)
	}
	if err != nil {
		key.Zero()
		return nil, err
	}
	return m.newSession(key, fp), nil
}

// Unlock derives a key from the gesture and opens a session for it.
//
// Unlock NEVER reports whether the gesture was "right": a gesture
// that has no vault behind it opens a session listing zero files,
// exactly like a vault that is empty or was destroyed.  Total latency
// is padded to a randomized window so derivation and index decryption
// timings are not separately observable, whichever of the three cases
// this was.
func (m *Manager) Unlock(cells []int, gridSize int) (*Session, error) {
	start := time.Now()
	canonical, err := gesture.Canonicalize(cells, gridSize)
	if err != nil {
		// Structurally malformed input is rejected before any key
		// material exists; this cannot leak key correctness.
		return nil, err
	}
	key, err := kdf.DeriveVaultKeyN(canonical, m.deviceSalt[:], m.cfg.Unlock.GestureKDFIterations)
	if err != nil {
		return nil, err
	}
	return m.finishUnlock(key, start)
}

// UnlockWithPhrase opens a session from a recovery phrase.  Unlike
// gesture unlock this path is allowed to fail with ErrInvalidPhrase;
// the failure still spends the full latency envelope and discloses
// nothing about which vaults exist.
func (m *Manager) UnlockWithPhrase(phrase string) (*Session, error) {
	start := time.Now()
	key, err := m.recovery.Recover(phrase)
	if err != nil {
		m.padUnlock(start)
		return nil, err
	}
	return m.finishUnlock(key, start)
}

func (m *Manager) finishUnlock(key *kdf.VaultKey, start time.Time) (*Session, error) {
	fp := key.Fingerprint()
	if m.duress.IsDuress(fp) {
		if err := m.triggerDuress(key, fp); err != nil {
			// The write-ahead marker guarantees the wipe completes on
			// the next open even though this unlock failed.
			key.Zero()
			m.padUnlock(start)
			return nil, err
		}
	}

	// The unlock includes one index load so its cost sits inside the
	// envelope; sessions re-load per operation.
	m.container.LoadIndexOrEmpty(key)

	s := m.newSession(key, fp)
	m.padUnlock(start)
	return s, nil
}

// padUnlock sleeps until the randomized latency window has elapsed.
// The effective bounds are set at construction and cover worst case
// derivation, index decryption and a full duress wipe, otherwise the
// real work pokes out past the padding.
func (m *Manager) padUnlock(start time.Time) {
	window := m.maxDelayMs - m.minDelayMs
	target := time.Duration(m.minDelayMs) * time.Millisecond
	if window > 0 {
		var raw [8]byte
		if _, err := rand.Reader.Read(raw[:]); err == nil {
			jitter := binary.BigEndian.Uint64(raw[:]) % uint64(window+1)
			target += time.Duration(jitter) * time.Millisecond
		}
	}
	if remaining := target - time.Since(start); remaining > 0 {
		time.Sleep(remaining)
	}
}

// UnlockResult is the outcome of an asynchronous unlock.
type UnlockResult struct {
	Session *Session
	Err     error
}

// UnlockAsync runs Unlock on a managed go routine and delivers the
// result on the returned channel.  There is no cancellation: an
// abandoned unlock simply runs to completion and its result is
// discarded, because deriving a key has no side effects on its own.
func (m *Manager) UnlockAsync(cells []int, gridSize int) <-chan UnlockResult {
	ch := make(chan UnlockResult, 1)
	m.Go(func() {
		s, err := m.Unlock(cells, gridSize)
		ch <- UnlockResult{Session: s, Err: err}
	})
	return ch
}

// DeriveShareKey derives a cross device share key from phrase with the
// configured hardening.  Share keys use a fixed public salt rather than
// the device salt, so any device holding the phrase derives the same
// key; their security rests entirely on phrase entropy.
func (m *Manager) DeriveShareKey(phrase string) (*kdf.VaultKey, error) {
	return kdf.DeriveShareKeyN(phrase, m.cfg.Unlock.PhraseKDFIterations)
}

// VaultExists reports whether the gesture's key already backs a
// vault.  Creation flows use it to prompt for a different gesture
// instead of colliding.
func (m *Manager) VaultExists(cells []int, gridSize int) (bool, error) {
	canonical, err := gesture.Canonicalize(cells, gridSize)
	if err != nil {
		return false, err
	}
	key, err := kdf.DeriveVaultKeyN(canonical, m.deviceSalt[:], m.cfg.Unlock.GestureKDFIterations)
	if err != nil {
		return false, err
	}
	defer key.Zero()
	return m.container.VaultExists(key), nil
}
