// Package identity manages the node's long-term Ed25519 signing key, the
// one process-wide singleton the design notes call out explicitly: it is
// created once by start and lives for the process's lifetime behind an
// abstract credential store.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrMalformedKey is returned when stored key material doesn't decode to a
// well-formed Ed25519 key pair.
var ErrMalformedKey = errors.New("identity: malformed key material")

// Identity is the node's long-term signing key pair and its derived peer id.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	PeerID     string
}

// PeerIDFromPublicKey derives the stable peer id from a public key. It is a
// SHA-256 fingerprint, hex-encoded — freely copyable, never secret.
func PeerIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func fromKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	return &Identity{
		PublicKey:  pub,
		PrivateKey: priv,
		PeerID:     PeerIDFromPublicKey(pub),
	}, nil
}

// Store is the abstract credential store the core consumes. The private key
// never leaves an implementation except through the Identity returned by
// Load/Create; callers that only need to compare peer ids should
// use the PeerID field rather than handling PrivateKey.
type Store interface {
	// Load returns the persisted identity, or ErrNotFound if none exists.
	Load() (*Identity, error)
	// Create generates a fresh identity and persists it, replacing any
	// previous one.
	Create() (*Identity, error)
	// LoadOrCreate loads the persisted identity if present, otherwise
	// generates and persists a new one.
	LoadOrCreate() (*Identity, error)
}

// ErrNotFound is returned by Store.Load when no identity has been persisted yet.
var ErrNotFound = errors.New("identity: no identity persisted")
