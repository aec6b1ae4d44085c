// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package recovery implements the privacy preserving recovery phrase
// store: one encrypted database mapping one way vault fingerprints to
// {phrase, gesture, grid size, key}.
//
// The database is a single opaque blob encrypted under a master key
// that lives only in the platform key store and is never derivable
// from any vault key.  Its size grows with vault count, which is an
// accepted signal; nothing in its structure or naming reveals which
// gesture maps to which record without the right phrase.
package recovery

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/util"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/kdf"
)

const (
	dbBucket = "recoveryDatabase"
	dbKey    = "db"
)

var (
	// ErrInvalidPhrase is returned when a phrase matches no stored
	// record.  The message deliberately discloses nothing about which
	// or how many vaults exist.
	ErrInvalidPhrase = errors.New("recovery: phrase does not match")

	// ErrVaultNotFound is returned when a vault key has no record.
	ErrVaultNotFound = errors.New("recovery: no record for vault")

	// ErrWeakPhrase is returned when a custom phrase fails the
	// strength requirements.
	ErrWeakPhrase = errors.New("recovery: phrase too weak")

	// ErrEncryptionFailed is returned when the database fails to
	// decrypt under the master key, which means on disk corruption:
	// the master key is not user input and cannot simply be wrong.
	ErrEncryptionFailed = errors.New("recovery: database corrupted")

	errNoBucket = errors.New("recovery: bucket missing")
)

// Record is one vault's recovery entry.
type Record struct {
	Fingerprint [32]byte
	Phrase      string
	Cells       []int
	GridSize    int
	Key         [kdf.KeySize]byte
	CreatedAt   time.Time
}

// Store is the recovery phrase store.
type Store struct {
	db     *bolt.DB
	master *kdf.VaultKey
}

// New creates a Store over the shared metadata database.
func New(db *bolt.DB, master *kdf.VaultKey) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbBucket))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, master: master}, nil
}

func (s *Store) load() ([]Record, error) {
	var ciphertext []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(dbBucket))
		if bkt == nil {
			return errNoBucket
		}
		if v := bkt.Get([]byte(dbKey)); v != nil {
			ciphertext = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, nil
	}
	plaintext, err := crypt.Decrypt(ciphertext, s.master)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	defer util.ExplicitBzero(plaintext)
	var records []Record
	if err = cbor.Unmarshal(plaintext, &records); err != nil {
		return nil, ErrEncryptionFailed
	}
	return records, nil
}

func (s *Store) persist(records []Record) error {
	plaintext, err := cbor.Marshal(records)
	if err != nil {
		return err
	}
	defer util.ExplicitBzero(plaintext)
	ciphertext, err := crypt.Encrypt(plaintext, s.master)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(dbBucket))
		if bkt == nil {
			return errNoBucket
		}
		return bkt.Put([]byte(dbKey), ciphertext)
	})
}

func zeroRecords(records []Record) {
	for i := range records {
		util.ExplicitBzero(records[i].Key[:])
	}
}

// Save writes the record for key, replacing any existing record with
// the same fingerprint, and re-encrypts the whole database.
func (s *Store) Save(phrase string, cells []int, gridSize int, key *kdf.VaultKey) error {
	records, err := s.load()
	if err != nil {
		return err
	}
	defer zeroRecords(records)
	fp := key.Fingerprint()
	kept := records[:0]
	for _, r := range records {
		if r.Fingerprint != fp {
			kept = append(kept, r)
		}
	}
	rec := Record{
		Fingerprint: fp,
		Phrase:      phrase,
		Cells:       append([]int(nil), cells...),
		GridSize:    gridSize,
		CreatedAt:   time.Now().UTC(),
	}
	copy(rec.Key[:], key.Bytes())
	defer util.ExplicitBzero(rec.Key[:])
	// append may reallocate out of records' backing array, leaving the
	// new record's key copy outside the deferred zeroRecords; zero the
	// appended slice explicitly.
	all := append(kept, rec)
	defer zeroRecords(all)
	return s.persist(all)
}

// Load returns the phrase for key's vault.  Absence is not an error.
func (s *Store) Load(key *kdf.VaultKey) (string, bool, error) {
	records, err := s.load()
	if err != nil {
		return "", false, err
	}
	defer zeroRecords(records)
	fp := key.Fingerprint()
	for _, r := range records {
		if r.Fingerprint == fp {
			return r.Phrase, true, nil
		}
	}
	return "", false, nil
}

// Recover returns the vault key whose stored phrase matches phrase,
// case insensitively and whitespace normalized.  Every record is
// examined regardless of where a match lands.
func (s *Store) Recover(phrase string) (*kdf.VaultKey, error) {
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	defer zeroRecords(records)
	normalized := kdf.NormalizePhrase(phrase)
	if normalized == "" {
		return nil, ErrInvalidPhrase
	}
	var found *kdf.VaultKey
	for i := range records {
		if kdf.NormalizePhrase(records[i].Phrase) == normalized && found == nil {
			found = kdf.NewVaultKey(&records[i].Key)
		}
	}
	if found == nil {
		return nil, ErrInvalidPhrase
	}
	return found, nil
}

// Regenerate replaces the phrase for key's vault.  A custom phrase
// must pass the strength gate; an empty custom phrase means "generate
// one for me".  The old phrase is overwritten, not superseded.
func (s *Store) Regenerate(key *kdf.VaultKey, customPhrase string) (string, error) {
	var phrase string
	if customPhrase != "" {
		normalized := kdf.NormalizePhrase(customPhrase)
		bits, words := PhraseStrength(normalized)
		if words < MinPhraseWords || bits < MinPhraseBits {
			return "", ErrWeakPhrase
		}
		phrase = normalized
	} else {
		var err error
		phrase, err = GeneratePhrase()
		if err != nil {
			return "", err
		}
	}

	records, err := s.load()
	if err != nil {
		return "", err
	}
	defer zeroRecords(records)
	fp := key.Fingerprint()
	for i := range records {
		if records[i].Fingerprint == fp {
			records[i].Phrase = phrase
			return phrase, s.persist(records)
		}
	}
	return "", ErrVaultNotFound
}

// Delete removes the one record for key's vault.  The database
// persists, structurally unchanged, even when it ends up empty.
func (s *Store) Delete(key *kdf.VaultKey) error {
	records, err := s.load()
	if err != nil {
		return err
	}
	defer zeroRecords(records)
	fp := key.Fingerprint()
	kept := records[:0]
	for _, r := range records {
		if r.Fingerprint != fp {
			kept = append(kept, r)
		}
	}
	return s.persist(kept)
}

// DeleteAllExcept removes every record whose fingerprint is not fp.
// Used by the duress wipe so destroyed vaults leave no trace of ever
// having existed.
func (s *Store) DeleteAllExcept(fp [32]byte) error {
	records, err := s.load()
	if err != nil {
		return err
	}
	defer zeroRecords(records)
	kept := records[:0]
	for _, r := range records {
		if r.Fingerprint == fp {
			kept = append(kept, r)
		}
	}
	return s.persist(kept)
}
