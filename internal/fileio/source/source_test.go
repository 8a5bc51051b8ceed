package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	pool := workerpool.New(2, 4)
	t.Cleanup(pool.Stop)
	return New(pool, nil)
}

func TestMetadataFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello swarmdrop"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := newManager(t)
	meta, err := m.Metadata(context.Background(), NativePath(path))
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.IsDir || meta.Size != 15 || meta.Name != "hello.txt" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestEnumerateDirFlattensNestedFiles(t *testing.T) {
	root := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	must(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	must(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644))

	m := newManager(t)
	files, err := m.EnumerateDir(context.Background(), NativePath(root), "dir")
	if err != nil {
		t.Fatalf("EnumerateDir: %v", err)
	}

	var rels []string
	for _, f := range files {
		rels = append(rels, f.RelativePath)
	}
	sort.Strings(rels)
	want := []string{"dir/a.txt", "dir/sub/b.txt"}
	if len(rels) != len(want) || rels[0] != want[0] || rels[1] != want[1] {
		t.Fatalf("EnumerateDir relative paths = %v, want %v", rels, want)
	}
}

func TestReadChunkOffsetOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	must(t, os.WriteFile(path, make([]byte, 10), 0o644))

	m := newManager(t)
	_, err := m.ReadChunk(context.Background(), NativePath(path), 10, 5, 262144)
	if err != ErrOffsetOutOfRange {
		t.Fatalf("ReadChunk out of range: got %v, want ErrOffsetOutOfRange", err)
	}
}

func TestReadChunkEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	must(t, os.WriteFile(path, nil, 0o644))

	m := newManager(t)
	data, err := m.ReadChunk(context.Background(), NativePath(path), 0, 0, 262144)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty chunk, got %d bytes", len(data))
	}
}

func TestComputeHashWithProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := make([]byte, 3*1<<20+17)
	for i := range content {
		content[i] = byte(i)
	}
	must(t, os.WriteFile(path, content, 0o644))

	m := newManager(t)
	var lastSeen int64
	hash, err := m.ComputeHashWithProgress(context.Background(), NativePath(path), func(n int64) {
		lastSeen = n
	})
	if err != nil {
		t.Fatalf("ComputeHashWithProgress: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64 (hex-encoded BLAKE3)", len(hash))
	}
	if lastSeen != int64(len(content)) {
		t.Fatalf("progress callback last value = %d, want %d", lastSeen, len(content))
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
