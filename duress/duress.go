// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package duress implements the one shot self destruct flag: a single
// designated vault key fingerprint whose use at unlock time triggers
// silent destruction of every other vault.
//
// Only the flag state and the wipe write-ahead marker live here; the
// destruction itself is orchestrated by the vault manager so that it
// happens inside the normal unlock path with no observable difference
// from a normal unlock.  Nothing in this package logs.
package duress

import (
	"crypto/subtle"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/oubliette/container"
	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/kdf"
)

const (
	flagBucket   = "duressFlag"
	markerBucket = "duressWipe"

	flagKey   = "fingerprint"
	markerKey = "marker"
)

var errNoBucket = errors.New("duress: bucket missing")

// Controller persists the duress flag and the wipe marker in the
// shared metadata database.
type Controller struct {
	db     *bolt.DB
	master *kdf.VaultKey
}

// New creates a Controller over db, encrypting wipe markers under the
// master key so a marker left behind by a crash does not identify the
// surviving vault to anyone without the platform key store.
func New(db *bolt.DB, master *kdf.VaultKey) (*Controller, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(flagBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(markerBucket))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Controller{db: db, master: master}, nil
}

// Arm designates fp as the duress fingerprint, replacing any previous
// designation.
func (c *Controller) Arm(fp [32]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(flagBucket))
		if bkt == nil {
			return errNoBucket
		}
		return bkt.Put([]byte(flagKey), fp[:])
	})
}

// Disarm removes the duress designation.
func (c *Controller) Disarm() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(flagBucket))
		if bkt == nil {
			return errNoBucket
		}
		return bkt.Delete([]byte(flagKey))
	})
}

// IsDuress reports whether fp is the armed duress fingerprint.  The
// comparison is constant time, and an unarmed controller compares
// against a random dummy so the armed and unarmed cases cost the same.
func (c *Controller) IsDuress(fp [32]byte) bool {
	stored := make([]byte, 32)
	armed := 0
	if err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(flagBucket))
		if bkt == nil {
			return errNoBucket
		}
		if v := bkt.Get([]byte(flagKey)); len(v) == 32 {
			copy(stored, v)
			armed = 1
		} else if _, err := rand.Reader.Read(stored); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return false
	}
	match := subtle.ConstantTimeCompare(stored, fp[:])
	return match&armed == 1
}

// Marker is the write-ahead record committed before a wipe begins.  It
// names the artifact and blob regions to preserve, so an interrupted
// wipe can be completed on the next open without the duress key.
type Marker struct {
	KeepArtifact    string
	KeepFingerprint [32]byte
	KeepRegions     []container.Region
}

// WriteMarker commits the wipe marker.  Once this returns, the wipe
// WILL complete: either now or on the next open.
func (c *Controller) WriteMarker(m *Marker) error {
	plaintext, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	ciphertext, err := crypt.Encrypt(plaintext, c.master)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(markerBucket))
		if bkt == nil {
			return errNoBucket
		}
		return bkt.Put([]byte(markerKey), ciphertext)
	})
}

// ReadMarker returns the pending wipe marker, if any.
func (c *Controller) ReadMarker() (*Marker, bool, error) {
	var ciphertext []byte
	if err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(markerBucket))
		if bkt == nil {
			return errNoBucket
		}
		if v := bkt.Get([]byte(markerKey)); v != nil {
			ciphertext = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if ciphertext == nil {
		return nil, false, nil
	}
	plaintext, err := crypt.Decrypt(ciphertext, c.master)
	if err != nil {
		return nil, false, err
	}
	m := new(Marker)
	if err = cbor.Unmarshal(plaintext, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// ClearMarker removes the wipe marker after the wipe completes.
func (c *Controller) ClearMarker() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(markerBucket))
		if bkt == nil {
			return errNoBucket
		}
		return bkt.Delete([]byte(markerKey))
	})
}
