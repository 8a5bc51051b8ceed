package quicoverlay

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "swarmdrop/quicoverlay/session"

// ephemeralKeyPair is one side's X25519 contribution to the per-connection
// handshake. It never survives past the connection it was generated for.
type ephemeralKeyPair struct {
	priv *ecdh.PrivateKey
}

func newEphemeralKeyPair() (ephemeralKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return ephemeralKeyPair{}, fmt.Errorf("quicoverlay: generate ephemeral key: %w", err)
	}
	return ephemeralKeyPair{priv: priv}, nil
}

func (k ephemeralKeyPair) publicBytes() []byte {
	return k.priv.PublicKey().Bytes()
}

// signEphemeral signs our ephemeral public key with the long-term identity
// key, binding the forward-secret handshake to a known peer id. Reuses the
// ed25519-signed challenge/response shape of the teacher's handshake code.
func signEphemeral(identityPriv ed25519.PrivateKey, ephPub []byte) []byte {
	return ed25519.Sign(identityPriv, ephPub)
}

// verifyEphemeral checks that identityPub signed ephPub and that it hashes
// to the claimed peer id.
func verifyEphemeral(peerID string, identityPub ed25519.PublicKey, ephPub, sig []byte) error {
	if len(identityPub) != ed25519.PublicKeySize {
		return fmt.Errorf("quicoverlay: malformed identity key from %q", peerID)
	}
	if peerIDFromIdentity(identityPub) != peerID {
		return fmt.Errorf("quicoverlay: peer id %q does not match identity key", peerID)
	}
	if !ed25519.Verify(identityPub, ephPub, sig) {
		return fmt.Errorf("quicoverlay: handshake signature invalid for peer %q", peerID)
	}
	return nil
}

func peerIDFromIdentity(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum)
}

// deriveSessionKey runs X25519 then HKDF-SHA256 over the resulting shared
// secret, independent of which side dialed.
func deriveSessionKey(ours ephemeralKeyPair, theirPub []byte) ([32]byte, error) {
	var key [32]byte
	pub, err := ecdh.X25519().NewPublicKey(theirPub)
	if err != nil {
		return key, fmt.Errorf("quicoverlay: parse peer ephemeral key: %w", err)
	}
	shared, err := ours.priv.ECDH(pub)
	if err != nil {
		return key, fmt.Errorf("quicoverlay: ECDH: %w", err)
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("quicoverlay: derive session key: %w", err)
	}
	return key, nil
}
