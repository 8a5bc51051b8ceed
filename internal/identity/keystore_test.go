package identity

import (
	"path/filepath"
	"testing"
)

func TestCreateThenLoad(t *testing.T) {
	dir := t.TempDir()
	ks := NewDiskKeystore(filepath.Join(dir, "identity.key"), "correct horse battery staple")

	created, err := ks.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := ks.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PeerID != created.PeerID {
		t.Fatalf("peer id mismatch: got %s want %s", loaded.PeerID, created.PeerID)
	}
	if !loaded.PrivateKey.Equal(created.PrivateKey) {
		t.Fatal("private key mismatch after round trip")
	}
}

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ks := NewDiskKeystore(filepath.Join(dir, "identity.key"), "hunter2")

	first, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}
	second, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}
	if first.PeerID != second.PeerID {
		t.Fatal("LoadOrCreate generated a new identity on second call")
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	ks := NewDiskKeystore(path, "right-passphrase")
	if _, err := ks.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	wrong := NewDiskKeystore(path, "wrong-passphrase")
	if _, err := wrong.Load(); err == nil {
		t.Fatal("expected failure loading with wrong passphrase")
	}
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	ks := NewDiskKeystore(filepath.Join(dir, "missing.key"), "")
	if _, err := ks.Load(); err != ErrNotFound {
		t.Fatalf("Load on missing file: got %v, want ErrNotFound", err)
	}
}
