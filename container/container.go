// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package container implements the deniable storage container: a fixed
// size blob fully initialized with random bytes, per vault encrypted
// index artifacts, and offset based placement of encrypted files.
//
// The load bearing invariant is that every blob byte not currently
// holding live ciphertext is indistinguishable from random, and that
// failing to decrypt an index is indistinguishable from a vault that
// has zero files.  Deletion never reclaims space; reusing freed
// offsets would let an observer correlate deletion patterns across
// snapshots of the blob.
package container

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/log"
	"github.com/katzenpost/oubliette/utils"
)

const (
	// DefaultCapacity is the blob size allocated when none is
	// configured, 500 MiB.
	DefaultCapacity = 500 * 1024 * 1024

	blobName    = "container.blob"
	cursorName  = "container.cursor"
	gaugeName   = "container.gauge"
	indexPrefix = "idx-"

	// fillStride is the buffer size used when streaming random bytes
	// into the blob.
	fillStride = 1024 * 1024
)

var (
	// ErrCapacityExceeded is returned when the container has no room
	// left for a new file.  Deleting files does not reclaim space;
	// the capacity ceiling is fixed for the container's lifetime.
	ErrCapacityExceeded = errors.New("container: capacity exceeded")

	// ErrKeyCollision is returned when a key already backs an
	// existing vault during creation or rotation.
	ErrKeyCollision = errors.New("container: key already backs a vault")

	// ErrNotFound is returned when a file id is not in the index.
	ErrNotFound = errors.New("container: file not found")
)

// artifact name domain separation, so the index filename is not the
// fingerprint used anywhere else.
var indexArtifactSuffix = []byte("oubliette-index-artifact")

// Container is the deniable storage container.  All methods are safe
// for concurrent use across different vault keys; callers serialize
// index mutations per key.
type Container struct {
	dir        string
	blob       *os.File
	capacity   int64
	fillMillis int64
	logger     *logging.Logger

	allocMu sync.Mutex
}

// CreateBlob allocates the fixed size blob at path and fills every
// byte with cryptographically secure random data.  One time operation
// per install.  The fill is timed and recorded as the device's wipe
// gauge: filling the blob is the same work as wiping it, so the
// measurement bounds the cost of a full WipeAllExcept on this device.
func CreateBlob(path string, capacity int64) error {
	if capacity <= 0 {
		return fmt.Errorf("container: invalid capacity %d", capacity)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	start := time.Now()
	if _, err = io.CopyN(f, rand.Reader, capacity); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	elapsed := time.Since(start)
	if err = f.Close(); err != nil {
		return err
	}
	return writeGauge(filepath.Dir(path), elapsed.Milliseconds())
}

// Open opens the container rooted at dir, creating the blob on first
// use.  The capacity argument only matters at creation; afterwards the
// blob's actual size wins.
func Open(dir string, capacity int64, logBackend *log.Backend) (*Container, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	blobPath := filepath.Join(dir, blobName)
	if !utils.Exists(blobPath) {
		if capacity == 0 {
			capacity = DefaultCapacity
		}
		if err := CreateBlob(blobPath, capacity); err != nil {
			return nil, err
		}
	}
	blob, err := os.OpenFile(blobPath, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	fi, err := blob.Stat()
	if err != nil {
		blob.Close()
		return nil, err
	}
	fillMillis, err := readGauge(dir)
	if err != nil {
		if fillMillis, err = measureFillMillis(dir, fi.Size()); err != nil {
			blob.Close()
			return nil, err
		}
		if err = writeGauge(dir, fillMillis); err != nil {
			blob.Close()
			return nil, err
		}
	}
	c := &Container{
		dir:        dir,
		blob:       blob,
		capacity:   fi.Size(),
		fillMillis: fillMillis,
		logger:     logBackend.GetLogger("container"),
	}
	c.logger.Debugf("Opened container: %d bytes.", c.capacity)
	return c, nil
}

// WipeBudget returns a conservative upper bound on the wall clock cost
// of a full WipeAllExcept: twice the measured random fill rate of this
// container on this device.  Unlock latency windows must cover it.
func (c *Container) WipeBudget() time.Duration {
	return time.Duration(2*c.fillMillis) * time.Millisecond
}

func gaugePath(dir string) string {
	return filepath.Join(dir, gaugeName)
}

func readGauge(dir string) (int64, error) {
	raw, err := os.ReadFile(gaugePath(dir))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("container: corrupted wipe gauge")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func writeGauge(dir string, millis int64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(millis))
	return utils.WriteAtomic(gaugePath(dir), raw[:], 0600)
}

// measureFillMillis re-measures the device fill rate for a blob whose
// gauge is missing, by timing a probe write and extrapolating to the
// full capacity.
func measureFillMillis(dir string, capacity int64) (int64, error) {
	probe := int64(fillStride)
	if probe > capacity {
		probe = capacity
	}
	path := gaugePath(dir) + ".probe"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err = io.CopyN(f, rand.Reader, probe); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	elapsed := time.Since(start)
	if err = f.Close(); err != nil {
		return 0, err
	}
	if err = os.Remove(path); err != nil {
		return 0, err
	}
	return elapsed.Milliseconds() * capacity / probe, nil
}

// Capacity returns the fixed blob capacity in bytes.
func (c *Container) Capacity() int64 {
	return c.capacity
}

// Close closes the blob file handle.
func (c *Container) Close() error {
	return c.blob.Close()
}

// indexArtifactName derives the index filename for a key.  It is a
// one way function of the fingerprint, itself a one way function of
// the key, so the filesystem reveals no plaintext key material.
func indexArtifactName(fp [32]byte) string {
	name := hash.Sum256(append(fp[:], indexArtifactSuffix...))
	return indexPrefix + hex.EncodeToString(name[:])
}

// IndexArtifact returns the index artifact filename for key.
func (c *Container) IndexArtifact(key *kdf.VaultKey) string {
	return indexArtifactName(key.Fingerprint())
}

func (c *Container) indexPath(key *kdf.VaultKey) string {
	return filepath.Join(c.dir, c.IndexArtifact(key))
}

// The allocation cursor is global across all vaults: indexes are
// mutually undecryptable, so they cannot coordinate placement among
// themselves.  The cursor file discloses how many blob bytes have ever
// been consumed, which the adversary can also infer from write traffic,
// but nothing about how many vaults consumed them.

func (c *Container) loadCursor() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, cursorName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("container: corrupted allocation cursor")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (c *Container) saveCursor(off int64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(off))
	return utils.WriteAtomic(filepath.Join(c.dir, cursorName), raw[:], 0600)
}

// reserve claims the next n free blob bytes and advances the persisted
// cursor past them.  A reservation abandoned by a failed store stays
// consumed; space is never handed out twice.
func (c *Container) reserve(n int64) (int64, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	cursor, err := c.loadCursor()
	if err != nil {
		return 0, err
	}
	if cursor+n > c.capacity {
		return 0, ErrCapacityExceeded
	}
	if err = c.saveCursor(cursor + n); err != nil {
		return 0, err
	}
	return cursor, nil
}

// randomize overwrites n blob bytes starting at off with fresh random
// data, in bounded strides.
func (c *Container) randomize(off, n int64) error {
	buf := make([]byte, fillStride)
	for n > 0 {
		stride := int64(len(buf))
		if stride > n {
			stride = n
		}
		if _, err := io.ReadFull(rand.Reader, buf[:stride]); err != nil {
			return err
		}
		if _, err := c.blob.WriteAt(buf[:stride], off); err != nil {
			return err
		}
		off += stride
		n -= stride
	}
	return nil
}

// offsetWriter adapts WriteAt into a sequential writer starting at a
// fixed blob offset.
type offsetWriter struct {
	f   *os.File
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}
