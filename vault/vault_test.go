// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/oubliette/config"
	"github.com/katzenpost/oubliette/container"
	"github.com/katzenpost/oubliette/duress"
	"github.com/katzenpost/oubliette/keystore"
	"github.com/katzenpost/oubliette/recovery"
)

// Fast unlock settings so the suite does not sit in PBKDF2 or the
// latency padding.  Derivation semantics are identical at any count.
func testConfig(dir string) *config.Config {
	return &config.Config{
		Storage: &config.Storage{
			Directory:     dir,
			ContainerSize: 1024 * 1024,
		},
		Unlock: &config.Unlock{
			MinDelayMs:           1,
			MaxDelayMs:           2,
			GestureKDFIterations: 16,
			PhraseKDFIterations:  16,
		},
		Logging: &config.Logging{Disable: true},
	}
}

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	ks, err := keystore.NewFileStore(dir)
	require.NoError(t, err)
	m, err := NewManager(testConfig(dir), ks)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func storeNotes(t *testing.T, s *Session) {
	_, err := s.StoreBytes([]byte("hello world"), "notes.txt", "text/plain")
	require.NoError(t, err)
}

func TestCreateStoreRelockUnlock(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	cells := []int{0, 1, 2, 3, 4, 5}

	s, err := m.CreateVault(cells, 5)
	require.NoError(err)
	storeNotes(t, s)
	s.Close()

	// The same gesture reopens the vault with exactly one file.
	s, err = m.Unlock(cells, 5)
	require.NoError(err)
	defer s.Close()
	infos, err := s.Files()
	require.NoError(err)
	require.Len(infos, 1)
	require.Equal("notes.txt", infos[0].Name)
	require.Equal(int64(11), infos[0].Size)

	data, hdr, err := s.Read(infos[0].ID)
	require.NoError(err)
	require.Equal([]byte("hello world"), data)
	require.Equal(int64(11), hdr.OriginalSize)

	// A different gesture opens an empty vault with no error.
	other, err := m.Unlock([]int{1, 2, 3, 4, 5, 6}, 5)
	require.NoError(err)
	defer other.Close()
	infos, err = other.Files()
	require.NoError(err)
	require.Empty(infos)
}

func TestCreateVaultCollision(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	cells := []int{0, 1, 2, 3, 4, 5}
	s, err := m.CreateVault(cells, 5)
	require.NoError(err)
	s.Close()

	_, err = m.CreateVault(cells, 5)
	require.ErrorIs(err, container.ErrKeyCollision)

	exists, err := m.VaultExists(cells, 5)
	require.NoError(err)
	require.True(exists)
	exists, err = m.VaultExists([]int{1, 2, 3, 4, 5, 6}, 5)
	require.NoError(err)
	require.False(exists)
}

func TestSessionClosed(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	s, err := m.CreateVault([]int{0, 1, 2, 3, 4, 5}, 5)
	require.NoError(err)
	s.Close()
	s.Close() // idempotent

	_, err = s.Files()
	require.ErrorIs(err, ErrSessionClosed)
	_, err = s.StoreBytes([]byte("x"), "x", "")
	require.ErrorIs(err, ErrSessionClosed)
}

func TestRecoveryPhraseUnlock(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	s, err := m.CreateVault([]int{0, 1, 2, 3, 4, 5}, 5)
	require.NoError(err)
	storeNotes(t, s)
	fp := s.Fingerprint()

	phrase, err := s.RecoveryPhrase()
	require.NoError(err)
	require.NotEmpty(phrase)
	s.Close()

	rs, err := m.UnlockWithPhrase(phrase)
	require.NoError(err)
	defer rs.Close()
	require.Equal(fp, rs.Fingerprint())
	infos, err := rs.Files()
	require.NoError(err)
	require.Len(infos, 1)

	_, err = m.UnlockWithPhrase("definitely not a stored phrase at all")
	require.ErrorIs(err, recovery.ErrInvalidPhrase)
}

func TestRegeneratePhrase(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	s, err := m.CreateVault([]int{0, 1, 2, 3, 4, 5}, 5)
	require.NoError(err)
	defer s.Close()
	fp := s.Fingerprint()

	_, err = s.RegeneratePhrase("cat")
	require.ErrorIs(err, recovery.ErrWeakPhrase)

	phrase, err := s.RegeneratePhrase("seven distinct uncommon words chosen randomly now")
	require.NoError(err)

	rs, err := m.UnlockWithPhrase(phrase)
	require.NoError(err)
	defer rs.Close()
	require.Equal(fp, rs.Fingerprint())
}

func TestChangeGesture(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	oldCells := []int{0, 1, 2, 3, 4, 5}
	newCells := []int{0, 6, 2, 8, 4, 9}

	s, err := m.CreateVault(oldCells, 5)
	require.NoError(err)
	storeNotes(t, s)

	require.NoError(s.ChangeGesture(newCells, 5))
	infos, err := s.Files()
	require.NoError(err)
	require.Len(infos, 1)
	phrase, err := s.RecoveryPhrase()
	require.NoError(err)
	s.Close()

	// The old gesture now opens an empty vault; the new one has the
	// file; the recovery phrase follows the vault.
	old, err := m.Unlock(oldCells, 5)
	require.NoError(err)
	defer old.Close()
	infos, err = old.Files()
	require.NoError(err)
	require.Empty(infos)

	s, err = m.Unlock(newCells, 5)
	require.NoError(err)
	defer s.Close()
	infos, err = s.Files()
	require.NoError(err)
	require.Len(infos, 1)
	require.Equal("notes.txt", infos[0].Name)

	rs, err := m.UnlockWithPhrase(phrase)
	require.NoError(err)
	defer rs.Close()
	require.Equal(s.Fingerprint(), rs.Fingerprint())
}

func indexArtifacts(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "idx-") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestDuressCompleteness(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	m := newTestManager(t)
	dir := m.cfg.Storage.Directory
	gestures := map[string][]int{
		"a": {0, 1, 2, 3, 4, 5},
		"b": {1, 2, 3, 4, 5, 6},
		"c": {2, 3, 4, 5, 6, 7},
	}

	sessions := make(map[string]*Session)
	for name, cells := range gestures {
		s, err := m.CreateVault(cells, 5)
		require.NoError(err)
		_, err = s.StoreBytes([]byte(strings.Repeat(name, 512)), name+".txt", "text/plain")
		require.NoError(err)
		sessions[name] = s
	}

	require.NoError(m.ArmDuress(sessions["a"]))
	artifactA := m.container.IndexArtifact(sessions["a"].key)
	artifactBytes, err := os.ReadFile(filepath.Join(dir, artifactA))
	require.NoError(err)
	for _, s := range sessions {
		s.Close()
	}
	require.Len(indexArtifacts(t, dir), 3)

	// Unlocking the duress vault looks exactly like a normal unlock.
	s, err := m.Unlock(gestures["a"], 5)
	require.NoError(err)
	defer s.Close()
	infos, err := s.Files()
	require.NoError(err)
	require.Len(infos, 1)
	require.Equal("a.txt", infos[0].Name)
	data, _, err := s.Read(infos[0].ID)
	require.NoError(err)
	require.Equal([]byte(strings.Repeat("a", 512)), data)

	// B and C are gone: artifacts removed, indexes unreadable, and
	// their recovery records purged.
	require.Equal([]string{artifactA}, indexArtifacts(t, dir))
	after, err := os.ReadFile(filepath.Join(dir, artifactA))
	require.NoError(err)
	assert.Equal(artifactBytes, after)

	for _, name := range []string{"b", "c"} {
		other, err := m.Unlock(gestures[name], 5)
		require.NoError(err)
		infos, err := other.Files()
		require.NoError(err)
		assert.Empty(infos)
		other.Close()
	}

	// The wipe is one shot: the designation is consumed and the marker
	// cleared, so re-unlocking A is an ordinary unlock.
	require.False(m.duress.IsDuress(s.Fingerprint()))
	_, pending, err := m.duress.ReadMarker()
	require.NoError(err)
	require.False(pending)
}

func TestPendingWipeCompletesOnOpen(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	ks, err := keystore.NewFileStore(dir)
	require.NoError(err)
	m, err := NewManager(testConfig(dir), ks)
	require.NoError(err)

	cellsA := []int{0, 1, 2, 3, 4, 5}
	cellsB := []int{1, 2, 3, 4, 5, 6}
	sa, err := m.CreateVault(cellsA, 5)
	require.NoError(err)
	storeNotes(t, sa)
	sb, err := m.CreateVault(cellsB, 5)
	require.NoError(err)
	storeNotes(t, sb)

	// Simulate a crash after the write-ahead marker committed but
	// before the wipe ran.
	idx := m.container.LoadIndexOrEmpty(sa.key)
	marker := &duress.Marker{
		KeepArtifact:    m.container.IndexArtifact(sa.key),
		KeepFingerprint: sa.Fingerprint(),
		KeepRegions:     container.LiveRegions(idx),
	}
	require.NoError(m.duress.WriteMarker(marker))
	sa.Close()
	sb.Close()
	m.Shutdown()

	m2, err := NewManager(testConfig(dir), ks)
	require.NoError(err)
	defer m2.Shutdown()

	// The wipe ran before any unlock was served.
	require.Equal([]string{marker.KeepArtifact}, indexArtifacts(t, dir))
	_, pending, err := m2.duress.ReadMarker()
	require.NoError(err)
	require.False(pending)

	s, err := m2.Unlock(cellsA, 5)
	require.NoError(err)
	defer s.Close()
	infos, err := s.Files()
	require.NoError(err)
	require.Len(infos, 1)
}

func TestUnlockAsync(t *testing.T) {
	require := require.New(t)

	m := newTestManager(t)
	s, err := m.CreateVault([]int{0, 1, 2, 3, 4, 5}, 5)
	require.NoError(err)
	s.Close()

	res := <-m.UnlockAsync([]int{0, 1, 2, 3, 4, 5}, 5)
	require.NoError(res.Err)
	require.NotNil(res.Session)
	res.Session.Close()
}

func TestUnlockLatencyEnvelope(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	ks, err := keystore.NewFileStore(dir)
	require.NoError(err)
	cfg := testConfig(dir)
	cfg.Unlock.MinDelayMs = 50
	cfg.Unlock.MaxDelayMs = 60
	m, err := NewManager(cfg, ks)
	require.NoError(err)
	defer m.Shutdown()

	cellsA := []int{0, 1, 2, 3, 4, 5}
	cellsB := []int{1, 2, 3, 4, 5, 6}
	sa, err := m.CreateVault(cellsA, 5)
	require.NoError(err)
	storeNotes(t, sa)
	sa.Close()
	sb, err := m.CreateVault(cellsB, 5)
	require.NoError(err)
	require.NoError(m.ArmDuress(sb))
	sb.Close()

	floor := time.Duration(m.minDelayMs) * time.Millisecond
	// Generous scheduling slop on top of the randomized ceiling.
	ceiling := time.Duration(m.maxDelayMs)*time.Millisecond + 250*time.Millisecond

	// Correct gesture, wrong gesture, bad phrase and the duress unlock
	// all land inside the same latency window; none is distinguishable
	// by being fast or slow.  The duress unlock goes last since it
	// destroys the other vault.
	for _, unlock := range []func() (*Session, error){
		func() (*Session, error) { return m.Unlock(cellsA, 5) },
		func() (*Session, error) { return m.Unlock([]int{2, 3, 4, 5, 6, 7}, 5) },
		func() (*Session, error) { return m.UnlockWithPhrase("not a phrase anyone ever stored") },
		func() (*Session, error) { return m.Unlock(cellsB, 5) },
	} {
		start := time.Now()
		s, err := unlock()
		elapsed := time.Since(start)
		if err == nil {
			s.Close()
		}
		require.GreaterOrEqual(elapsed, floor)
		require.Less(elapsed, ceiling)
	}

	// The duress unlock ran: the other vault is gone.
	wiped, err := m.Unlock(cellsA, 5)
	require.NoError(err)
	defer wiped.Close()
	infos, err := wiped.Files()
	require.NoError(err)
	require.Empty(infos)
}

func TestUnlockWindowCoversWipeBudget(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	ks, err := keystore.NewFileStore(dir)
	require.NoError(err)
	m, err := NewManager(testConfig(dir), ks)
	require.NoError(err)
	m.Shutdown()

	// A device whose measured fill took 5 seconds has a 10 second wipe
	// budget; the configured 50-60ms window must be raised to cover it
	// while keeping the 10ms jitter spread.
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], 5000)
	require.NoError(os.WriteFile(filepath.Join(dir, "container.gauge"), raw[:], 0600))

	cfg := testConfig(dir)
	cfg.Unlock.MinDelayMs = 50
	cfg.Unlock.MaxDelayMs = 60
	m, err = NewManager(cfg, ks)
	require.NoError(err)
	defer m.Shutdown()

	require.Equal(10*time.Second, m.container.WipeBudget())
	require.Equal(10000, m.minDelayMs)
	require.Equal(10010, m.maxDelayMs)
}

func TestDeriveShareKeyIsDeviceIndependent(t *testing.T) {
	require := require.New(t)

	// Two installs with different device salts derive the same share
	// key from the same phrase.
	m1 := newTestManager(t)
	m2 := newTestManager(t)

	k1, err := m1.DeriveShareKey("some shared sync phrase")
	require.NoError(err)
	defer k1.Zero()
	k2, err := m2.DeriveShareKey("some shared sync phrase")
	require.NoError(err)
	defer k2.Zero()
	require.True(k1.Equal(k2))

	k3, err := m1.DeriveShareKey("a different phrase entirely")
	require.NoError(err)
	defer k3.Zero()
	require.False(k1.Equal(k3))
}
