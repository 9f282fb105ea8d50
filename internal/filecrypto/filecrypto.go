// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package filecrypto decrypts the encrypted snapshots published by the
// external parties. Objects are sequences of length-prefixed AES-GCM
// frames; the key is derived deterministically from the object key, so
// acquisition needs no out-of-band key exchange.
package filecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/juju/errors"
	"golang.org/x/crypto/pbkdf2"
)

// ErrCorrupt indicates the ciphertext failed authentication or framing.
// It is a permanent failure; retrying cannot help.
const ErrCorrupt = errors.ConstError("ciphertext corrupt")

const (
	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 4096

	keySize   = 32
	saltSize  = 16
	nonceSize = 12

	// maxFrameSize bounds a single frame so a corrupt length prefix
	// cannot force an absurd allocation.
	maxFrameSize = 16 * 1024 * 1024
)

// PasswordSaltProvider derives the decryption password and salt for an
// object. It must be a pure function of the object key.
type PasswordSaltProvider func(objectKey string) (password string, salt []byte)

// NewPBKDF2Provider returns the standard provider: the password is the
// object key joined with the configured pepper, the salt the leading
// bytes of the key's digest.
func NewPBKDF2Provider(pepper string) PasswordSaltProvider {
	return func(objectKey string) (string, []byte) {
		digest := sha256.Sum256([]byte(objectKey))
		return objectKey + pepper, digest[:saltSize]
	}
}

// Key stretches a password and salt into an AES-256 key.
func Key(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

// frameNonce returns the nonce for the n-th frame: a 12-byte big-endian
// counter. Frame order is authenticated implicitly because a swapped
// frame decrypts under the wrong nonce and fails authentication.
func frameNonce(n uint64) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], n)
	return nonce
}

type decryptReader struct {
	src    io.Reader
	aead   cipher.AEAD
	frame  uint64
	plain  []byte
	offset int
	err    error
}

// NewDecryptingReader returns a reader yielding the plaintext of the
// framed ciphertext stream read from src.
func NewDecryptingReader(src io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &decryptReader{src: src, aead: aead}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for r.offset >= len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.nextFrame(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain[r.offset:])
	r.offset += n
	return n, nil
}

func (r *decryptReader) nextFrame() error {
	var header [4]byte
	if _, err := io.ReadFull(r.src, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.WithType(errors.Annotate(err, "reading frame header"), ErrCorrupt)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return errors.WithType(errors.Errorf("frame size %d out of range", size), ErrCorrupt)
	}
	ciphertext := make([]byte, size)
	if _, err := io.ReadFull(r.src, ciphertext); err != nil {
		return errors.WithType(errors.Annotate(err, "reading frame body"), ErrCorrupt)
	}
	plain, err := r.aead.Open(nil, frameNonce(r.frame), ciphertext, nil)
	if err != nil {
		return errors.WithType(errors.Annotatef(err, "decrypting frame %d", r.frame), ErrCorrupt)
	}
	r.frame++
	r.plain = plain
	r.offset = 0
	return nil
}

// EncryptingWriter produces the framed ciphertext format. The platform
// only ever decrypts; the writer exists for round-trip tests and local
// tooling that seeds source buckets.
type EncryptingWriter struct {
	dst       io.Writer
	aead      cipher.AEAD
	frame     uint64
	buf       []byte
	frameSize int
}

// DefaultFrameSize is the plaintext frame size used by the writer.
const DefaultFrameSize = 64 * 1024

// NewEncryptingWriter returns a writer encrypting to dst under key.
// Close must be called to flush the final frame.
func NewEncryptingWriter(dst io.Writer, key []byte) (*EncryptingWriter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &EncryptingWriter{dst: dst, aead: aead, frameSize: DefaultFrameSize}, nil
}

// Write buffers plaintext, emitting full frames as they fill.
func (w *EncryptingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.frameSize {
		if err := w.emit(w.buf[:w.frameSize]); err != nil {
			return 0, errors.Trace(err)
		}
		w.buf = w.buf[w.frameSize:]
	}
	return len(p), nil
}

// Close flushes the remaining plaintext as the final frame.
func (w *EncryptingWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.emit(w.buf)
	w.buf = nil
	return errors.Trace(err)
}

func (w *EncryptingWriter) emit(plain []byte) error {
	ciphertext := w.aead.Seal(nil, frameNonce(w.frame), plain, nil)
	w.frame++
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(ciphertext)))
	if _, err := w.dst.Write(header[:]); err != nil {
		return errors.Trace(err)
	}
	_, err := w.dst.Write(ciphertext)
	return errors.Trace(err)
}
