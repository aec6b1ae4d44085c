// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// files.go - file placement, retrieval and secure deletion

package container

import (
	"bytes"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/katzenpost/oubliette/crypt"
	"github.com/katzenpost/oubliette/kdf"
)

// FileMeta is what the importer knows about a file up front.  Size
// must be exact: header space is reserved before content streams in.
type FileMeta struct {
	Name     string
	MIMEType string
	Size     int64
}

// FileInfo is the decrypted listing entry for a stored file.
type FileInfo struct {
	ID        uuid.UUID
	Name      string
	MIMEType  string
	Size      int64
	CreatedAt time.Time
}

// StoreFile encrypts and places a file at the container's allocation
// cursor, then appends it to the index and persists the index.  Space
// freed by earlier deletions is never reused.
func (c *Container) StoreFile(r io.Reader, meta FileMeta, key *kdf.VaultKey) (uuid.UUID, error) {
	idx := c.LoadIndexOrEmpty(key)
	dataKey := idx.dataKey()
	defer dataKey.Zero()

	hdr := &crypt.FileHeader{
		ID:           uuid.New(),
		Name:         meta.Name,
		MIMEType:     meta.MIMEType,
		OriginalSize: meta.Size,
		CreatedAt:    time.Now().UTC(),
	}
	headerSpace, err := crypt.HeaderOverhead(hdr, dataKey)
	if err != nil {
		return uuid.Nil, err
	}
	need := int64(headerSpace) + crypt.ChunkedLen(meta.Size)
	start, err := c.reserve(need)
	if err != nil {
		return uuid.Nil, err
	}

	// Content first: the header checksum is only known once the
	// plaintext has streamed past, so its space is reserved and
	// back-filled.
	contentStart := start + int64(headerSpace)
	cw := crypt.NewChunkWriter(&offsetWriter{f: c.blob, off: contentStart}, dataKey)
	digest := crypt.NewChecksum()
	n, err := io.Copy(cw, io.TeeReader(r, digest))
	if err == nil {
		err = cw.Close()
	}
	if err == nil && n != meta.Size {
		err = fmt.Errorf("container: content size %d does not match declared %d", n, meta.Size)
	}
	if err != nil {
		// Leave nothing identifiable in the abandoned reservation.
		c.randomize(start, int64(headerSpace)+cw.Written())
		return uuid.Nil, err
	}
	copy(hdr.Checksum[:], digest.Sum(nil))

	encHdr, err := crypt.EncodeHeader(hdr, dataKey)
	if err != nil {
		return uuid.Nil, err
	}
	if len(encHdr) != headerSpace {
		panic("container: header reservation mismatch")
	}
	if _, err = c.blob.WriteAt(encHdr, start); err != nil {
		return uuid.Nil, err
	}
	if err = c.blob.Sync(); err != nil {
		return uuid.Nil, err
	}

	total := int64(headerSpace) + cw.Written()
	idx.Files = append(idx.Files, StoredFile{
		ID:     hdr.ID,
		Offset: start,
		Length: total,
		Header: encHdr,
	})
	idx.NextOffset = start + total
	if err = c.SaveIndex(idx, key); err != nil {
		return uuid.Nil, err
	}
	return hdr.ID, nil
}

func (idx *VaultIndex) find(id uuid.UUID) *StoredFile {
	for i := range idx.Files {
		if idx.Files[i].ID == id && !idx.Files[i].Deleted {
			return &idx.Files[i]
		}
	}
	return nil
}

// OpenFile returns a streaming reader over the decrypted content of
// the stored file id, along with its header.  The reader verifies the
// plaintext checksum and original size when it reaches EOF, returning
// ErrChecksumMismatch on silent corruption or truncation.  The caller
// must Close the reader; Close zeroes the data key, so an abandoned
// stream does not leave key material live until garbage collection.
func (c *Container) OpenFile(id uuid.UUID, key *kdf.VaultKey) (io.ReadCloser, *crypt.FileHeader, error) {
	idx := c.LoadIndexOrEmpty(key)
	sf := idx.find(id)
	if sf == nil {
		return nil, nil, ErrNotFound
	}
	dataKey := idx.dataKey()

	section := io.NewSectionReader(c.blob, sf.Offset, sf.Length)
	hdr, err := crypt.DecodeHeader(section, dataKey)
	if err != nil {
		dataKey.Zero()
		return nil, nil, err
	}
	return &verifyingReader{
		cr:     crypt.NewChunkReader(section, dataKey),
		digest: crypt.NewChecksum(),
		hdr:    hdr,
		key:    dataKey,
	}, hdr, nil
}

// ReadFile reads an entire stored file into memory.
func (c *Container) ReadFile(id uuid.UUID, key *kdf.VaultKey) ([]byte, *crypt.FileHeader, error) {
	r, hdr, err := c.OpenFile(id, key)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return data, hdr, nil
}

// ListFiles returns the decrypted listing for key's vault.  A wrong
// key lists an empty vault.
func (c *Container) ListFiles(key *kdf.VaultKey) ([]FileInfo, error) {
	idx := c.LoadIndexOrEmpty(key)
	dataKey := idx.dataKey()
	defer dataKey.Zero()

	infos := make([]FileInfo, 0, len(idx.Files))
	for i := range idx.Files {
		sf := &idx.Files[i]
		if sf.Deleted {
			continue
		}
		hdr, err := crypt.DecodeHeader(bytes.NewReader(sf.Header), dataKey)
		if err != nil {
			// An index entry whose header will not decrypt under the
			// index's own data key is corruption; skip it rather than
			// fail the whole listing.
			continue
		}
		infos = append(infos, FileInfo{
			ID:        sf.ID,
			Name:      hdr.Name,
			MIMEType:  hdr.MIMEType,
			Size:      hdr.OriginalSize,
			CreatedAt: hdr.CreatedAt,
		})
	}
	return infos, nil
}

// DeleteFile scrubs the file's backing blob bytes with fresh random
// data and then drops the entry from the index.  The delete is two
// phase: the entry is flagged and persisted before the scrub so a
// crash mid-overwrite is visible as an in-progress delete rather than
// a silently half-scrubbed live file.  Space is not reclaimed.
func (c *Container) DeleteFile(id uuid.UUID, key *kdf.VaultKey) error {
	idx := c.LoadIndexOrEmpty(key)
	sf := idx.find(id)
	if sf == nil {
		return ErrNotFound
	}
	sf.Deleted = true
	if err := c.SaveIndex(idx, key); err != nil {
		return err
	}
	if err := c.randomize(sf.Offset, sf.Length); err != nil {
		return err
	}
	if err := c.blob.Sync(); err != nil {
		return err
	}
	kept := idx.Files[:0]
	for _, f := range idx.Files {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	idx.Files = kept
	return c.SaveIndex(idx, key)
}

// verifyingReader streams decrypted content while hashing it, and
// verifies size and checksum against the header at EOF.  The data key
// is zeroed as soon as the stream cannot yield more plaintext: at EOF,
// on any read error, or when the caller Closes an abandoned stream.
type verifyingReader struct {
	cr     io.Reader
	digest hash.Hash
	hdr    *crypt.FileHeader
	key    *kdf.VaultKey

	read int64
	done bool
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	if vr.done {
		return 0, io.EOF
	}
	n, err := vr.cr.Read(p)
	if n > 0 {
		vr.digest.Write(p[:n])
		vr.read += int64(n)
	}
	if err == io.EOF {
		vr.done = true
		vr.key.Zero()
		if vr.read != vr.hdr.OriginalSize {
			return n, crypt.ErrChecksumMismatch
		}
		var sum [32]byte
		copy(sum[:], vr.digest.Sum(nil))
		if sum != vr.hdr.Checksum {
			return n, crypt.ErrChecksumMismatch
		}
	} else if err != nil {
		vr.key.Zero()
	}
	return n, err
}

// Close zeroes the data key.  Idempotent; a closed reader reports EOF.
func (vr *verifyingReader) Close() error {
	vr.done = true
	vr.key.Zero()
	return nil
}
