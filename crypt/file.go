// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// file.go - encrypted file format: length prefixed header, chunked content

package crypt

import (
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/oubliette/kdf"
)

// The on disk file layout is:
//
//	[4 byte big endian encrypted header length]
//	[encrypted header]
//	[encrypted content chunk]...
//
// where each content chunk is
//
//	[4 byte big endian chunk ciphertext length]
//	[nonce || ciphertext || tag]
//
// Content is encrypted in ChunkSize pieces so peak memory stays
// bounded regardless of file size.

const (
	// ChunkSize is the plaintext size of a streaming content chunk.
	ChunkSize = 64 * 1024

	lenPrefixSize = 4

	// maxChunkCiphertext bounds what DecryptChunks will buffer for a
	// single frame; anything larger is a mangled stream.
	maxChunkCiphertext = ChunkSize + Overhead
)

// ErrChecksumMismatch is returned when content decrypts and
// authenticates chunk by chunk but the whole plaintext checksum does
// not match the header, e.g. after a truncated read dropped trailing
// chunks.
var ErrChecksumMismatch = errors.New("crypt: content checksum mismatch")

// FileHeader carries the original file metadata, encrypted at rest.
// The Checksum is a blake2b-256 over the full plaintext, computed
// before encryption and distinct from the per chunk AEAD tags.
type FileHeader struct {
	ID           uuid.UUID
	Name         string
	MIMEType     string
	OriginalSize int64
	CreatedAt    time.Time
	Checksum     [32]byte
}

// EncodeHeader serializes and encrypts a header, returning the length
// prefixed bytes ready to lay down in front of the content chunks.
func EncodeHeader(hdr *FileHeader, key *kdf.VaultKey) ([]byte, error) {
	plaintext, err := cbor.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, lenPrefixSize, lenPrefixSize+len(ciphertext))
	binary.BigEndian.PutUint32(out, uint32(len(ciphertext)))
	return append(out, ciphertext...), nil
}

// HeaderOverhead returns the exact encoded size EncodeHeader will
// produce for hdr.  It is deterministic because every header field is
// fixed size or known up front, which lets callers reserve header
// space before streaming content.
func HeaderOverhead(hdr *FileHeader, key *kdf.VaultKey) (int, error) {
	plaintext, err := cbor.Marshal(hdr)
	if err != nil {
		return 0, err
	}
	return lenPrefixSize + len(plaintext) + Overhead, nil
}

// DecodeHeader reads a length prefixed encrypted header from r.
func DecodeHeader(r io.Reader, key *kdf.VaultKey) (*FileHeader, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, ErrAuthenticationFailure
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxHeaderCiphertext {
		return nil, ErrAuthenticationFailure
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, ErrAuthenticationFailure
	}
	plaintext, err := Decrypt(ciphertext, key)
	if err != nil {
		return nil, err
	}
	hdr := new(FileHeader)
	if err = cbor.Unmarshal(plaintext, hdr); err != nil {
		return nil, ErrAuthenticationFailure
	}
	return hdr, nil
}

// Headers are small; anything past this is not a header.
const maxHeaderCiphertext = 64 * 1024

// Checksum computes the content integrity checksum over plaintext.
func Checksum(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// NewChecksum returns a streaming hasher computing the same checksum
// as Checksum.
func NewChecksum() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// ChunkWriter encrypts a content stream into length prefixed chunks.
// Close must be called to flush the final partial chunk.
type ChunkWriter struct {
	w   io.Writer
	key *kdf.VaultKey

	buf     []byte
	written int64
}

// NewChunkWriter returns a ChunkWriter encrypting to w under key.
func NewChunkWriter(w io.Writer, key *kdf.VaultKey) *ChunkWriter {
	return &ChunkWriter{
		w:   w,
		key: key,
		buf: make([]byte, 0, ChunkSize),
	}
}

// Write buffers p, flushing full chunks as they accumulate.
func (cw *ChunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		space := ChunkSize - len(cw.buf)
		if space > len(p) {
			space = len(p)
		}
		cw.buf = append(cw.buf, p[:space]...)
		p = p[space:]
		if len(cw.buf) == ChunkSize {
			if err := cw.flush(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (cw *ChunkWriter) flush() error {
	ciphertext, err := Encrypt(cw.buf, cw.key)
	if err != nil {
		return err
	}
	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(ciphertext)))
	if _, err = cw.w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err = cw.w.Write(ciphertext); err != nil {
		return err
	}
	cw.written += int64(lenPrefixSize + len(ciphertext))
	cw.buf = cw.buf[:0]
	return nil
}

// Close flushes any buffered partial chunk.  An empty stream writes
// no chunks at all.
func (cw *ChunkWriter) Close() error {
	if len(cw.buf) == 0 {
		return nil
	}
	return cw.flush()
}

// Written returns the total ciphertext bytes emitted so far.
func (cw *ChunkWriter) Written() int64 {
	return cw.written
}

// ChunkedLen returns the exact ciphertext size of a content stream of
// plaintextSize bytes.
func ChunkedLen(plaintextSize int64) int64 {
	if plaintextSize == 0 {
		return 0
	}
	full := plaintextSize / ChunkSize
	total := full * int64(lenPrefixSize+ChunkSize+Overhead)
	if rem := plaintextSize % ChunkSize; rem > 0 {
		total += int64(lenPrefixSize) + rem + int64(Overhead)
	}
	return total
}

// ChunkReader decrypts a chunked content stream produced by
// ChunkWriter.  It reads until the underlying reader is exhausted.
type ChunkReader struct {
	r   io.Reader
	key *kdf.VaultKey

	plain []byte
	err   error
}

// NewChunkReader returns a ChunkReader decrypting from r under key.
func NewChunkReader(r io.Reader, key *kdf.VaultKey) *ChunkReader {
	return &ChunkReader{r: r, key: key}
}

// Read implements io.Reader over the decrypted content.
func (cr *ChunkReader) Read(p []byte) (int, error) {
	for len(cr.plain) == 0 {
		if cr.err != nil {
			return 0, cr.err
		}
		cr.fill()
	}
	n := copy(p, cr.plain)
	cr.plain = cr.plain[n:]
	return n, nil
}

func (cr *ChunkReader) fill() {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(cr.r, prefix[:]); err != nil {
		if err == io.EOF {
			cr.err = io.EOF
		} else {
			cr.err = ErrAuthenticationFailure
		}
		return
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxChunkCiphertext {
		cr.err = ErrAuthenticationFailure
		return
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(cr.r, ciphertext); err != nil {
		cr.err = ErrAuthenticationFailure
		return
	}
	plaintext, err := Decrypt(ciphertext, cr.key)
	if err != nil {
		cr.err = err
		return
	}
	cr.plain = plaintext
}
