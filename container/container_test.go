// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package container

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/log"
)

const testCapacity = 1024 * 1024

func testKey(fill byte) *kdf.VaultKey {
	var raw [kdf.KeySize]byte
	for i := range raw {
		raw[i] = fill
	}
	return kdf.NewVaultKey(&raw)
}

func newTestContainer(t *testing.T) *Container {
	logBackend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)
	c, err := Open(t.TempDir(), testCapacity, logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (c *Container) readBlob(t *testing.T, off, n int64) []byte {
	buf := make([]byte, n)
	_, err := c.blob.ReadAt(buf, off)
	require.NoError(t, err)
	return buf
}

func TestOpenFillsBlobWithRandom(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	require.Equal(int64(testCapacity), c.Capacity())

	// A freshly created blob must contain no long runs of any single
	// byte value; count distinct values over a sample as a cheap
	// entropy check.
	sample := c.readBlob(t, 0, 4096)
	seen := make(map[byte]bool)
	for _, b := range sample {
		seen[b] = true
	}
	require.Greater(len(seen), 200)
}

func TestStoreAndReadRoundTrip(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))

	content := []byte("hello world")
	id, err := c.StoreFile(bytes.NewReader(content), FileMeta{
		Name:     "notes.txt",
		MIMEType: "text/plain",
		Size:     int64(len(content)),
	}, key)
	require.NoError(err)

	infos, err := c.ListFiles(key)
	require.NoError(err)
	require.Len(infos, 1)
	require.Equal("notes.txt", infos[0].Name)
	require.Equal(int64(11), infos[0].Size)
	require.Equal(id, infos[0].ID)

	data, hdr, err := c.ReadFile(id, key)
	require.NoError(err)
	require.Equal(content, data)
	require.Equal(crypt.Checksum(content), hdr.Checksum)
}

func TestLoadIndexOrEmptyNeverErrors(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	wrong := testKey(0x42)

	require.NoError(c.InitVault(key))
	content := []byte("secret")
	_, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: "f", Size: 6}, key)
	require.NoError(err)

	// A key with no vault behind it lists an empty vault, not an
	// error, and repeated loads agree.
	for i := 0; i < 3; i++ {
		infos, err := c.ListFiles(wrong)
		require.NoError(err)
		require.Empty(infos)
	}

	// A corrupted artifact behaves the same way.
	path := c.indexPath(key)
	require.NoError(os.WriteFile(path, []byte("not a ciphertext"), 0600))
	infos, err := c.ListFiles(key)
	require.NoError(err)
	require.Empty(infos)
}

func TestInitVaultCollision(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))
	require.ErrorIs(c.InitVault(key), ErrKeyCollision)
}

func TestChangeKey(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	oldKey := testKey(0x41)
	newKey := testKey(0x42)
	require.NoError(c.InitVault(oldKey))

	content := []byte("survives rotation")
	id, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: "f", Size: int64(len(content))}, oldKey)
	require.NoError(err)

	require.NoError(c.ChangeKey(oldKey, newKey))

	// Old artifact is gone and the old key now opens an empty vault.
	require.False(c.VaultExists(oldKey))
	infos, err := c.ListFiles(oldKey)
	require.NoError(err)
	require.Empty(infos)

	// Content was not re-encrypted, only the index moved.
	data, _, err := c.ReadFile(id, newKey)
	require.NoError(err)
	require.Equal(content, data)

	// Rotating onto a key that already backs a vault is refused.
	third := testKey(0x43)
	require.NoError(c.InitVault(third))
	require.ErrorIs(c.ChangeKey(newKey, third), ErrKeyCollision)
}

func TestDeleteScrubsAndNeverReusesSpace(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))

	content := bytes.Repeat([]byte{0x5a}, 1024)
	id, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: "a", Size: 1024}, key)
	require.NoError(err)

	idx := c.LoadIndexOrEmpty(key)
	require.Len(idx.Files, 1)
	region := idx.Files[0]
	before := c.readBlob(t, region.Offset, region.Length)

	require.NoError(c.DeleteFile(id, key))

	// The backing bytes were overwritten.
	after := c.readBlob(t, region.Offset, region.Length)
	require.NotEqual(before, after)

	_, _, err = c.ReadFile(id, key)
	require.ErrorIs(err, ErrNotFound)
	require.ErrorIs(c.DeleteFile(id, key), ErrNotFound)

	// A subsequent store lands past the deleted region, never inside
	// it.
	id2, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: "b", Size: 1024}, key)
	require.NoError(err)
	idx = c.LoadIndexOrEmpty(key)
	sf := idx.find(id2)
	require.NotNil(sf)
	require.GreaterOrEqual(sf.Offset, region.Offset+region.Length)
}

func TestStoreCapacityExceeded(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))

	_, err := c.StoreFile(bytes.NewReader(nil), FileMeta{Name: "huge", Size: testCapacity}, key)
	require.ErrorIs(err, ErrCapacityExceeded)

	// The failed store left the index untouched.
	infos, err := c.ListFiles(key)
	require.NoError(err)
	require.Empty(infos)
}

func TestStoreSizeMismatch(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))

	_, err := c.StoreFile(bytes.NewReader([]byte("short")), FileMeta{Name: "f", Size: 100}, key)
	require.Error(err)

	infos, err := c.ListFiles(key)
	require.NoError(err)
	require.Empty(infos)
}

func TestWipeAllExcept(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	c := newTestContainer(t)
	keyA := testKey(0x41)
	keyB := testKey(0x42)
	keyC := testKey(0x43)

	store := func(key *kdf.VaultKey, name string) {
		require.NoError(c.InitVault(key))
		content := bytes.Repeat([]byte(name), 512)
		_, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: name, Size: int64(len(content))}, key)
		require.NoError(err)
	}
	store(keyA, "a")
	store(keyB, "b")
	store(keyC, "c")

	idxA := c.LoadIndexOrEmpty(keyA)
	idxB := c.LoadIndexOrEmpty(keyB)
	artifactA, err := os.ReadFile(c.indexPath(keyA))
	require.NoError(err)
	regionB := idxB.Files[0]
	blobB := c.readBlob(t, regionB.Offset, regionB.Length)

	require.NoError(c.WipeAllExcept(LiveRegions(idxA), c.IndexArtifact(keyA)))

	// B and C artifacts are gone; only A's survives.
	entries, err := os.ReadDir(c.dir)
	require.NoError(err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), indexPrefix) {
			assert.Equal(c.IndexArtifact(keyA), e.Name())
		}
	}
	require.False(c.VaultExists(keyB))
	require.False(c.VaultExists(keyC))

	// A's artifact is byte for byte untouched and its file still
	// reads.
	artifactAfter, err := os.ReadFile(c.indexPath(keyA))
	require.NoError(err)
	require.Equal(artifactA, artifactAfter)
	infos, err := c.ListFiles(keyA)
	require.NoError(err)
	require.Len(infos, 1)
	data, _, err := c.ReadFile(infos[0].ID, keyA)
	require.NoError(err)
	require.Equal(bytes.Repeat([]byte("a"), 512), data)

	// B's blob region was overwritten.
	require.NotEqual(blobB, c.readBlob(t, regionB.Offset, regionB.Length))

	// Re-running the wipe, as crash recovery would, is harmless.
	require.NoError(c.WipeAllExcept(LiveRegions(idxA), c.IndexArtifact(keyA)))
	infos, err = c.ListFiles(keyA)
	require.NoError(err)
	require.Len(infos, 1)
}

func TestWipeGaugePersists(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "NOTICE", true)
	require.NoError(err)
	dir := t.TempDir()

	c, err := Open(dir, testCapacity, logBackend)
	require.NoError(err)
	require.GreaterOrEqual(c.WipeBudget(), time.Duration(0))
	_, err = os.Stat(gaugePath(dir))
	require.NoError(err)
	require.NoError(c.Close())

	// Reopen reads the persisted gauge instead of re-measuring.
	millis, err := readGauge(dir)
	require.NoError(err)
	c, err = Open(dir, testCapacity, logBackend)
	require.NoError(err)
	require.Equal(millis, c.fillMillis)
	require.Equal(time.Duration(2*millis)*time.Millisecond, c.WipeBudget())
	require.NoError(c.Close())

	// A blob whose gauge went missing is re-measured on open and the
	// gauge rewritten.
	require.NoError(os.Remove(gaugePath(dir)))
	c, err = Open(dir, testCapacity, logBackend)
	require.NoError(err)
	defer c.Close()
	require.GreaterOrEqual(c.fillMillis, int64(0))
	_, err = os.Stat(gaugePath(dir))
	require.NoError(err)
}

func TestOpenFileCloseZeroesDataKey(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	require.NoError(c.InitVault(key))

	content := bytes.Repeat([]byte{0x5a}, 4096)
	id, err := c.StoreFile(bytes.NewReader(content), FileMeta{Name: "f", Size: 4096}, key)
	require.NoError(err)

	r, _, err := c.OpenFile(id, key)
	require.NoError(err)
	vr := r.(*verifyingReader)

	// Read a little, then abandon the stream.
	buf := make([]byte, 16)
	_, err = io.ReadFull(r, buf)
	require.NoError(err)
	require.NoError(r.Close())

	// The data key was zeroed and the reader drains to EOF.
	require.Equal(make([]byte, kdf.KeySize), vr.key.Bytes())
	n, err := r.Read(buf)
	require.Zero(n)
	require.ErrorIs(err, io.EOF)
	require.NoError(r.Close())
}

func TestIndexArtifactNameIsOneWay(t *testing.T) {
	require := require.New(t)

	c := newTestContainer(t)
	key := testKey(0x41)
	name := c.IndexArtifact(key)
	require.True(strings.HasPrefix(name, indexPrefix))

	fp := key.Fingerprint()
	// Neither the key nor its fingerprint leaks into the filename.
	require.NotContains(name, string(fp[:]))
	require.Equal(filepath.Base(name), name)
	require.Equal(name, c.IndexArtifact(testKey(0x41)))
	require.NotEqual(name, c.IndexArtifact(testKey(0x42)))
}
