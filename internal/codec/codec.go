// Package codec implements the chunk-level AEAD used by the transfer engine.
//
// Chunks are encrypted independently with XChaCha20-Poly1305 under a single
// session key. The nonce is never transmitted or stored: it is re-derived on
// both ends from the triple (session, file, chunk) using BLAKE3 in its
// key-derivation mode, which makes encryption a pure function of its inputs
// and lets a dropped response be re-requested without any extra bookkeeping.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// CHUNK is the fixed plaintext size of every chunk but the last one in a file.
const CHUNK = 262144

const nonceDeriveContext = "swarmdrop-transfer-nonce-v1"

var (
	// ErrInvalidKeySize is returned when the session key is not 32 bytes.
	ErrInvalidKeySize = errors.New("codec: key must be exactly 32 bytes")

	// ErrInvalidSessionID is returned when the session identifier is not 16 bytes.
	ErrInvalidSessionID = errors.New("codec: session id must be exactly 16 bytes")

	// ErrAuthenticationFailed is returned when Poly1305 tag verification fails.
	// This is the sole signal for tampered ciphertext or a key/index mismatch.
	ErrAuthenticationFailed = errors.New("codec: authentication failed")
)

// TotalChunks returns the number of chunks a file of the given size is split
// into. An empty file still has exactly one (zero-length) chunk.
func TotalChunks(size int64) uint32 {
	if size == 0 {
		return 1
	}
	n := size / CHUNK
	if size%CHUNK != 0 {
		n++
	}
	return uint32(n)
}

// ChunkLen returns the plaintext length of chunk chunkIndex within a file of
// the given size.
func ChunkLen(size int64, chunkIndex uint32) int64 {
	if size == 0 {
		return 0
	}
	offset := int64(chunkIndex) * CHUNK
	remaining := size - offset
	if remaining > CHUNK {
		return CHUNK
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// deriveNonce computes the deterministic 24-byte XChaCha20-Poly1305 nonce for
// a given (session, file, chunk) triple.
func deriveNonce(sessionID [16]byte, fileID, chunkIndex uint32) [24]byte {
	keyMaterial := make([]byte, 0, 16+4+4)
	keyMaterial = append(keyMaterial, sessionID[:]...)
	keyMaterial = binary.BigEndian.AppendUint32(keyMaterial, fileID)
	keyMaterial = binary.BigEndian.AppendUint32(keyMaterial, chunkIndex)

	h := blake3.NewDeriveKey(nonceDeriveContext)
	h.Write(keyMaterial)

	var out [24]byte
	h.Digest().Read(out[:])
	return out
}

// Seal encrypts a single chunk's plaintext under the session key. Identical
// inputs always yield byte-identical ciphertexts, which is deliberate: it
// makes retransmission idempotent.
func Seal(key []byte, sessionID [16]byte, fileID, chunkIndex uint32, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := deriveNonce(sessionID, fileID, chunkIndex)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts and authenticates a single chunk's ciphertext. Any failure —
// wrong key, wrong session/file/chunk, or a tampered byte — surfaces as
// ErrAuthenticationFailed.
func Open(key []byte, sessionID [16]byte, fileID, chunkIndex uint32, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := deriveNonce(sessionID, fileID, chunkIndex)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	return chacha20poly1305.NewX(key)
}
