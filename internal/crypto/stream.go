// Package crypto implements the streaming authenticated-encryption
// transforms applied to backup artifacts.
//
// Artifacts are sealed with AES-256-GCM: a fresh 96-bit IV per
// operation and a 128-bit authentication tag that is only known once
// the full plaintext has flowed through the stream. Output is
// bit-for-bit compatible with crypto/cipher's GCM with the tag held
// detached, so nothing in the stored format is bespoke; streaming only
// avoids buffering multi-gigabyte artifacts in memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrAuthentication is returned when the recomputed authentication tag
// does not match the stored one. It is the sole tamper-detection gate
// for encrypted artifacts and is never retryable.
var ErrAuthentication = errors.New("authentication tag mismatch: artifact corrupted or tampered with")

// ErrKeySize is returned for keys that are not exactly 32 bytes. A
// master key of the wrong length means the profile vault handed over
// corrupted material, which is fatal.
var ErrKeySize = errors.New("encryption key must be exactly 32 bytes")

// GenerateKey returns a fresh random 256-bit master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// gcmStream holds the keystream and GHASH state shared by the encrypt
// and decrypt writers.
type gcmStream struct {
	block   cipher.Block
	iv      [IVSize]byte
	counter uint32
	ks      [16]byte
	ksUsed  int
	gh      *ghash
	textLen uint64
}

func newGCMStream(key, iv []byte) (*gcmStream, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	// H = E_K(0^128); data blocks start at counter 2, counter 1 is
	// reserved for the tag mask.
	var zero, h [16]byte
	block.Encrypt(h[:], zero[:])

	s := &gcmStream{
		block:   block,
		counter: 2,
		ksUsed:  16,
		gh:      newGHASH(h[:]),
	}
	copy(s.iv[:], iv)
	return s, nil
}

// xorKeyStream XORs src into dst using the GCM counter keystream.
// len(dst) must equal len(src).
func (s *gcmStream) xorKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if s.ksUsed == 16 {
			var ctrBlock [16]byte
			copy(ctrBlock[:IVSize], s.iv[:])
			binary.BigEndian.PutUint32(ctrBlock[IVSize:], s.counter)
			s.block.Encrypt(s.ks[:], ctrBlock[:])
			s.counter++
			s.ksUsed = 0
		}
		n := len(src)
		if avail := 16 - s.ksUsed; n > avail {
			n = avail
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ s.ks[s.ksUsed+i]
		}
		s.ksUsed += n
		dst = dst[n:]
		src = src[n:]
	}
}

// tag finalizes GHASH and masks it with E_K(J0).
func (s *gcmStream) tag() [16]byte {
	sum := s.gh.finalize(0, s.textLen)

	var j0, mask [16]byte
	copy(j0[:IVSize], s.iv[:])
	binary.BigEndian.PutUint32(j0[IVSize:], 1)
	s.block.Encrypt(mask[:], j0[:])

	for i := range sum {
		sum[i] ^= mask[i]
	}
	return sum
}

// EncryptWriter seals plaintext written to it into ciphertext on the
// underlying writer. The authentication tag is available only after
// Close; callers must run the full pipeline to completion before
// persisting metadata that embeds the tag.
type EncryptWriter struct {
	s      *gcmStream
	w      io.Writer
	tag    [TagSize]byte
	closed bool
	buf    []byte
}

// NewEncryptWriter creates a sealing transform with a fresh random IV.
func NewEncryptWriter(key []byte, w io.Writer) (*EncryptWriter, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return newEncryptWriter(key, iv, w)
}

func newEncryptWriter(key, iv []byte, w io.Writer) (*EncryptWriter, error) {
	s, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &EncryptWriter{s: s, w: w}, nil
}

// IV returns the per-operation random IV.
func (e *EncryptWriter) IV() []byte {
	return e.s.iv[:]
}

func (e *EncryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encrypt stream")
	}
	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	ct := e.buf[:len(p)]
	e.s.xorKeyStream(ct, p)
	e.s.gh.update(ct)
	e.s.textLen += uint64(len(p))

	if _, err := e.w.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finalizes the stream and fixes the authentication tag. It does
// not close the underlying writer.
func (e *EncryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.tag = e.s.tag()
	return nil
}

// Tag returns the 128-bit authentication tag. It must not be called
// before Close: the tag only exists once all plaintext has been
// consumed.
func (e *EncryptWriter) Tag() ([]byte, error) {
	if !e.closed {
		return nil, errors.New("authentication tag is not available until the stream is closed")
	}
	tag := make([]byte, TagSize)
	copy(tag, e.tag[:])
	return tag, nil
}

// DecryptWriter opens ciphertext written to it, streaming plaintext to
// the underlying writer. Close recomputes the authentication tag and
// fails with ErrAuthentication on any mismatch; plaintext produced
// before Close must be discarded by the caller when Close errors.
type DecryptWriter struct {
	s      *gcmStream
	w      io.Writer
	tag    [TagSize]byte
	closed bool
	buf    []byte
}

// NewDecryptWriter creates an opening transform expecting the stored
// IV and authentication tag.
func NewDecryptWriter(key, iv, tag []byte, w io.Writer) (*DecryptWriter, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("authentication tag must be %d bytes, got %d", TagSize, len(tag))
	}
	s, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	d := &DecryptWriter{s: s, w: w}
	copy(d.tag[:], tag)
	return d, nil
}

func (d *DecryptWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errors.New("write to closed decrypt stream")
	}
	// GHASH runs over the ciphertext, before it is unmasked.
	d.s.gh.update(p)
	d.s.textLen += uint64(len(p))

	if cap(d.buf) < len(p) {
		d.buf = make([]byte, len(p))
	}
	pt := d.buf[:len(p)]
	d.s.xorKeyStream(pt, p)

	if _, err := d.w.Write(pt); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close verifies the authentication tag. It does not close the
// underlying writer.
func (d *DecryptWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	actual := d.s.tag()
	if subtle.ConstantTimeCompare(actual[:], d.tag[:]) != 1 {
		return ErrAuthentication
	}
	return nil
}
