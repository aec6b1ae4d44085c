// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// index.go - per vault encrypted index: decrypt-or-empty, rotation

package container

import (
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/utils"
)

// StoredFile is one live file tracked by a vault index.  Header holds
// the encrypted FileHeader ciphertext so listings never touch the
// blob.  Deleted is set transiently while a secure delete is scrubbing
// the backing bytes; completed deletes drop the entry entirely.
type StoredFile struct {
	ID      uuid.UUID
	Offset  int64
	Length  int64
	Header  []byte
	Deleted bool
}

// VaultIndex describes the live file set of one vault.  It is
// persisted CBOR encoded and encrypted under the vault key.  DataKey
// is the random per vault key protecting file headers and content;
// keeping it inside the index is what makes key rotation O(index)
// instead of O(blob).  NextOffset records where this vault's most
// recent write ended; actual placement comes from the container's
// global allocation cursor, since mutually undecryptable indexes
// cannot coordinate placement among themselves.
type VaultIndex struct {
	Files      []StoredFile
	NextOffset int64
	Capacity   int64
	DataKey    [kdf.KeySize]byte
}

func (idx *VaultIndex) dataKey() *kdf.VaultKey {
	return kdf.NewVaultKey(&idx.DataKey)
}

func (c *Container) newEmptyIndex() *VaultIndex {
	idx := &VaultIndex{Capacity: c.capacity}
	if _, err := rand.Reader.Read(idx.DataKey[:]); err != nil {
		panic(err)
	}
	return idx
}

// dummyIndexCiphertext is what gets "decrypted" when no index artifact
// exists, so the never-initialized path does the same authentication
// work as the corrupted-artifact path.
func dummyIndexCiphertext() []byte {
	buf := make([]byte, 256)
	if _, err := rand.Reader.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

// LoadIndexOrEmpty loads and decrypts the index for key.  It NEVER
// returns an error: a missing artifact, a decryption or authentication
// failure, and a corrupted serialization all yield a fresh empty
// index.
//
// This is the central deniability contract of the container.  "Wrong
// key", "empty vault" and "destroyed vault" must be the same
// observable outcome, so callers get an index with zero files rather
// than any distinguishable error, and both paths perform one
// authentication attempt so neither is observably faster than the
// other outside the caller's unlock delay window.
func (c *Container) LoadIndexOrEmpty(key *kdf.VaultKey) *VaultIndex {
	raw, err := os.ReadFile(c.indexPath(key))
	if err != nil {
		raw = dummyIndexCiphertext()
	}
	plaintext, err := crypt.Decrypt(raw, key)
	if err != nil {
		return c.newEmptyIndex()
	}
	defer util.ExplicitBzero(plaintext)
	idx := new(VaultIndex)
	if err = cbor.Unmarshal(plaintext, idx); err != nil {
		return c.newEmptyIndex()
	}
	return idx
}

// SaveIndex re-encrypts and atomically persists the index under key.
func (c *Container) SaveIndex(idx *VaultIndex, key *kdf.VaultKey) error {
	plaintext, err := cbor.Marshal(idx)
	if err != nil {
		return err
	}
	defer util.ExplicitBzero(plaintext)
	ciphertext, err := crypt.Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	return utils.WriteAtomic(c.indexPath(key), ciphertext, 0600)
}

// VaultExists reports whether key already backs a vault.  O(1); used
// defensively so two gestures colliding onto one storage slot cannot
// destroy each other's data.
func (c *Container) VaultExists(key *kdf.VaultKey) bool {
	return utils.Exists(c.indexPath(key))
}

// InitVault creates the empty index artifact for a new vault.
func (c *Container) InitVault(key *kdf.VaultKey) error {
	if c.VaultExists(key) {
		return ErrKeyCollision
	}
	return c.SaveIndex(c.newEmptyIndex(), key)
}

// ChangeKey re-encrypts the index under newKey and securely removes
// the old artifact.  Only the index moves: file content stays
// encrypted under the index-held data key, which is why rotation is
// near instant regardless of how much the vault stores.
func (c *Container) ChangeKey(oldKey, newKey *kdf.VaultKey) error {
	if c.VaultExists(newKey) {
		return ErrKeyCollision
	}
	idx := c.LoadIndexOrEmpty(oldKey)
	if err := c.SaveIndex(idx, newKey); err != nil {
		return err
	}
	oldPath := c.indexPath(oldKey)
	if utils.Exists(oldPath) {
		return secureRemove(oldPath)
	}
	return nil
}

// secureRemove overwrites a file with random bytes before unlinking
// it, so the old ciphertext does not linger for media forensics.
func secureRemove(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	buf := make([]byte, fi.Size())
	if _, err = rand.Reader.Read(buf); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = f.WriteAt(buf, 0); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
