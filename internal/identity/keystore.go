package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argon2Time    = 3
	argon2Memory  = 65536
	argon2Threads = 4
	argon2KeyLen  = chacha20poly1305.KeySize
	saltSize      = 32
	keystoreVersion = 1
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the keystore.
var ErrInvalidPassphrase = errors.New("identity: invalid passphrase or corrupted keystore")

// keystoreEntry is the on-disk, passphrase-encrypted representation of an
// Ed25519 private key.
type keystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// DiskKeystore is the default Store: the private key lives passphrase-
// encrypted (Argon2id + XChaCha20-Poly1305) at Path.
type DiskKeystore struct {
	Path       string
	Passphrase string
}

// DefaultKeystorePath returns the platform-conventional keystore path.
func DefaultKeystorePath() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "swarmdrop", "identity.key")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "swarmdrop", "identity.key")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "swarmdrop", "identity.key")
}

func NewDiskKeystore(path, passphrase string) *DiskKeystore {
	if path == "" {
		path = DefaultKeystorePath()
	}
	return &DiskKeystore{Path: path, Passphrase: passphrase}
}

func (k *DiskKeystore) Load() (*Identity, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: read keystore: %w", err)
	}

	var entry keystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("identity: unmarshal keystore: %w", err)
	}

	priv, err := decryptEntry(&entry, k.Passphrase)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return fromKeyPair(pub, priv)
}

func (k *DiskKeystore) Create() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := k.save(priv); err != nil {
		return nil, err
	}
	return fromKeyPair(pub, priv)
}

func (k *DiskKeystore) LoadOrCreate() (*Identity, error) {
	id, err := k.Load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return k.Create()
}

func (k *DiskKeystore) save(priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(k.Path), 0o700); err != nil {
		return fmt.Errorf("identity: create keystore dir: %w", err)
	}

	entry, err := encryptEntry(priv, k.Passphrase)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.Path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write keystore: %w", err)
	}
	return nil
}

func encryptEntry(priv ed25519.PrivateKey, passphrase string) (*keystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: salt: %w", err)
	}
	derived := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("identity: aead init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, priv, nil)

	return &keystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

func decryptEntry(entry *keystoreEntry, passphrase string) (ed25519.PrivateKey, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("identity: unsupported keystore version %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("identity: unsupported kdf %q", entry.KDF)
	}

	derived := argon2.IDKey([]byte(passphrase), entry.Salt,
		uint32(entry.Argon2Time), uint32(entry.Argon2Memory), uint8(entry.Argon2Threads), argon2KeyLen)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("identity: aead init: %w", err)
	}
	plaintext, err := aead.Open(nil, entry.Nonce, entry.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	return ed25519.PrivateKey(plaintext), nil
}
