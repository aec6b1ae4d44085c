// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault ties the storage engine together: explicit manager
// construction, the unlock path with its fixed latency envelope, per
// vault write serialization and the duress trigger.
//
// There are no package level singletons.  The application constructs
// one Manager, injects the platform SecretStore, and owns the
// Manager's lifetime.
package vault

import (
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/util"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/oubliette/config"
	"github.com/katzenpost/oubliette/container"
	"github.com/katzenpost/oubliette/duress"
	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/keystore"
	"github.com/katzenpost/oubliette/recovery"
	"github.com/katzenpost/oubliette/worker"
)

const metadataName = "metadata.db"

// Manager owns the container, the recovery store and the duress
// controller.  All methods are safe for concurrent use; index
// mutations are serialized per vault fingerprint.
type Manager struct {
	worker.Worker

	cfg       *config.Config
	log       *logging.Logger
	ks        keystore.SecretStore
	container *container.Container
	recovery  *recovery.Store
	duress    *duress.Controller
	db        *bolt.DB

	deviceSalt *[keystore.SecretSize]byte
	masterKey  *kdf.VaultKey

	// Effective unlock latency window.  At least the configured
	// bounds, raised at construction to cover a full duress wipe.
	minDelayMs int
	maxDelayMs int

	locksMu sync.Mutex
	locks   map[[32]byte]*sync.Mutex
}

// NewManager constructs the storage engine rooted at the configured
// directory, creating the container blob and metadata database on
// first use, and completes any wipe a crash interrupted.
func NewManager(cfg *config.Config, ks keystore.SecretStore) (*Manager, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}

	deviceSalt, err := ks.GetOrCreateDeviceSalt()
	if err != nil {
		return nil, err
	}
	masterRaw, err := ks.GetOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	masterKey := kdf.NewVaultKey(masterRaw)
	util.ExplicitBzero(masterRaw[:])

	cont, err := container.Open(cfg.Storage.Directory, cfg.Storage.ContainerSize, logBackend)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(cfg.Storage.Directory, metadataName), 0600, nil)
	if err != nil {
		cont.Close()
		return nil, err
	}
	rec, err := recovery.New(db, masterKey)
	if err != nil {
		db.Close()
		cont.Close()
		return nil, err
	}
	dur, err := duress.New(db, masterKey)
	if err != nil {
		db.Close()
		cont.Close()
		return nil, err
	}

	// The latency window must cover the most expensive thing an unlock
	// can do, which is a full duress wipe.  A window that only covers
	// derivation would make a duress unlock observably slow, so the
	// bounds are raised to the container's measured wipe budget,
	// preserving the configured jitter spread.
	minDelay := cfg.Unlock.MinDelayMs
	maxDelay := cfg.Unlock.MaxDelayMs
	if budget := int(cont.WipeBudget().Milliseconds()); budget > minDelay {
		maxDelay += budget - minDelay
		minDelay = budget
	}

	m := &Manager{
		cfg:        cfg,
		log:        logBackend.GetLogger("vault"),
		ks:         ks,
		container:  cont,
		recovery:   rec,
		duress:     dur,
		db:         db,
		deviceSalt: deviceSalt,
		masterKey:  masterKey,
		minDelayMs: minDelay,
		maxDelayMs: maxDelay,
		locks:      make(map[[32]byte]*sync.Mutex),
	}
	m.log.Debugf("Unlock latency window: %d-%d ms.", minDelay, maxDelay)
	if err = m.completePendingWipe(); err != nil {
		m.Shutdown()
		return nil, err
	}
	return m, nil
}

// Shutdown halts background work, closes the storage handles and
// zeroes the install secrets.  The Manager must not be used after.
func (m *Manager) Shutdown() {
	m.Halt()
	if m.db != nil {
		m.db.Close()
	}
	if m.container != nil {
		m.container.Close()
	}
	util.ExplicitBzero(m.deviceSalt[:])
	m.masterKey.Zero()
	m.log.Debugf("Terminated gracefully.")
}

// Container exposes the underlying container for capacity queries.
func (m *Manager) Container() *container.Container {
	return m.container
}

func (m *Manager) lockFor(fp [32]byte) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[fp]
	if !ok {
		l = new(sync.Mutex)
		m.locks[fp] = l
	}
	return l
}

// ArmDuress designates the session's vault as the duress trigger.
// Unlocking it thereafter destroys every other vault.
func (m *Manager) ArmDuress(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return m.duress.Arm(s.fp)
}

// DisarmDuress removes the duress designation.
func (m *Manager) DisarmDuress() error {
	return m.duress.Disarm()
}

// completePendingWipe finishes a duress wipe that a crash or kill
// interrupted.  The write-ahead marker makes the wipe all-or-nothing:
// either it never observably started, or it runs to completion here
// before any unlock is served.
func (m *Manager) completePendingWipe() error {
	marker, pending, err := m.duress.ReadMarker()
	if err != nil || !pending {
		return err
	}
	return m.executeWipe(marker)
}

func (m *Manager) executeWipe(marker *duress.Marker) error {
	if err := m.container.WipeAllExcept(marker.KeepRegions, marker.KeepArtifact); err != nil {
		return err
	}
	if err := m.recovery.DeleteAllExcept(marker.KeepFingerprint); err != nil {
		return err
	}
	if err := m.duress.Disarm(); err != nil {
		return err
	}
	return m.duress.ClearMarker()
}

// triggerDuress runs the one shot destruction of every vault except
// the duress vault.  Nothing is logged, and the caller keeps the
// total unlock latency inside the normal envelope.
func (m *Manager) triggerDuress(key *kdf.VaultKey, fp [32]byte) error {
	idx := m.container.LoadIndexOrEmpty(key)
	marker := &duress.Marker{
		KeepArtifact:    m.container.IndexArtifact(key),
		KeepFingerprint: fp,
		KeepRegions:     container.LiveRegions(idx),
	}
	if err := m.duress.WriteMarker(marker); err != nil {
		return err
	}
	return m.executeWipe(marker)
}
