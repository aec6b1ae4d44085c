// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// session.go - unlocked vault sessions

package vault

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/katzenpost/oubliette/container"
	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/gesture"
	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/recovery"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("vault: session closed")

// Session is an unlocked vault.  It exclusively owns its VaultKey;
// Close zeroes the key and must be called on every exit path.
type Session struct {
	m   *Manager
	key *kdf.VaultKey
	fp  [32]byte

	mu     sync.Mutex
	closed bool
}

func (m *Manager) newSession(key *kdf.VaultKey, fp [32]byte) *Session {
	return &Session{m: m, key: key, fp: fp}
}

func (s *Session) guard() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Close zeroes the session's key material.  Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.key.Zero()
}

// Files lists the vault's live files.
func (s *Session) Files() ([]container.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.m.container.ListFiles(s.key)
}

// Store imports a file into the vault.  meta.Size must be exact.
func (s *Session) Store(r io.Reader, meta container.FileMeta) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return uuid.Nil, err
	}
	l := s.m.lockFor(s.fp)
	l.Lock()
	defer l.Unlock()
	return s.m.container.StoreFile(r, meta, s.key)
}

// StoreBytes imports an in-memory buffer.
func (s *Session) StoreBytes(data []byte, name, mimeType string) (uuid.UUID, error) {
	return s.Store(bytes.NewReader(data), container.FileMeta{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
	})
}

// Read returns a stored file's full content and header.
func (s *Session) Read(id uuid.UUID) ([]byte, *crypt.FileHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	return s.m.container.ReadFile(id, s.key)
}

// Open returns a streaming reader over a stored file's content.  The
// reader verifies the content checksum at EOF; the caller must Close
// it so the per-vault data key is zeroed even on abandoned streams.
func (s *Session) Open(id uuid.UUID) (io.ReadCloser, *crypt.FileHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	return s.m.container.OpenFile(id, s.key)
}

// Delete securely erases a stored file.  The freed space is never
// reused; the capacity ceiling stays where it was.
func (s *Session) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	l := s.m.lockFor(s.fp)
	l.Lock()
	defer l.Unlock()
	return s.m.container.DeleteFile(id, s.key)
}

// ChangeGesture rotates the vault onto a new gesture.  Only the index
// is re-encrypted, so rotation cost does not depend on vault size.
// Fails with ErrKeyCollision when the new gesture's key already backs
// a vault.
func (s *Session) ChangeGesture(cells []int, gridSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	canonical, err := gesture.Canonicalize(cells, gridSize)
	if err != nil {
		return err
	}
	newKey, err := kdf.DeriveVaultKeyN(canonical, s.m.deviceSalt[:], s.m.cfg.Unlock.GestureKDFIterations)
	if err != nil {
		return err
	}
	newFp := newKey.Fingerprint()

	l := s.m.lockFor(s.fp)
	l.Lock()
	defer l.Unlock()

	if err = s.m.container.ChangeKey(s.key, newKey); err != nil {
		newKey.Zero()
		return err
	}

	phrase, ok, err := s.m.recovery.Load(s.key)
	if err != nil {
		return err
	}
	if !ok {
		if phrase, err = recovery.GeneratePhrase(); err != nil {
			return err
		}
	}
	if err = s.m.recovery.Save(phrase, cells, gridSize, newKey); err != nil {
		return err
	}
	if err = s.m.recovery.Delete(s.key); err != nil {
		return err
	}

	// A duress designation follows the vault across rotation.
	if s.m.duress.IsDuress(s.fp) {
		if err = s.m.duress.Arm(newFp); err != nil {
			return err
		}
	}

	old := s.key
	s.key = newKey
	s.fp = newFp
	old.Zero()
	return nil
}

// RecoveryPhrase returns the vault's current recovery phrase.
func (s *Session) RecoveryPhrase() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return "", err
	}
	phrase, ok, err := s.m.recovery.Load(s.key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", recovery.ErrVaultNotFound
	}
	return phrase, nil
}

// RegeneratePhrase replaces the vault's recovery phrase, either with
// a validated custom phrase or a generated one when custom is empty.
func (s *Session) RegeneratePhrase(custom string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return "", err
	}
	return s.m.recovery.Regenerate(s.key, custom)
}

// Fingerprint returns the vault's one way fingerprint, safe to use as
// an opaque identifier.
func (s *Session) Fingerprint() [32]byte {
	return s.fp
}
