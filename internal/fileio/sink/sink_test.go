package sink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

func newTestEnv(t *testing.T) (*Manager, *workerpool.Pool, Sink) {
	t.Helper()
	pool := workerpool.New(4, 8)
	t.Cleanup(pool.Stop)
	dir := t.TempDir()
	return New(pool), pool, LocalDirectory(dir)
}

func blake3Hex(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func TestWriteVerifyFinalize(t *testing.T) {
	m, pool, s := newTestEnv(t)
	ctx := context.Background()

	content := make([]byte, 700000)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	const chunkSize = 262144

	pf, err := m.CreatePartFile(ctx, s, "nested/file.bin", int64(len(content)))
	if err != nil {
		t.Fatalf("CreatePartFile: %v", err)
	}

	total := (len(content) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := pf.WriteChunk(ctx, pool, uint32(i), chunkSize, content[start:end]); err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
	}

	if err := m.VerifyAndFinalize(ctx, pf, blake3Hex(content)); err != nil {
		t.Fatalf("VerifyAndFinalize: %v", err)
	}

	if _, err := os.Stat(pf.PartPath); !os.IsNotExist(err) {
		t.Fatalf("part path still exists after finalize: %v", err)
	}
	finalContent, err := os.ReadFile(pf.FinalPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if len(finalContent) != len(content) {
		t.Fatalf("final file size = %d, want %d", len(finalContent), len(content))
	}
}

func TestFinalizeChecksumMismatchCleansUp(t *testing.T) {
	m, pool, s := newTestEnv(t)
	ctx := context.Background()

	pf, err := m.CreatePartFile(ctx, s, "f.bin", 5)
	if err != nil {
		t.Fatalf("CreatePartFile: %v", err)
	}
	if err := pf.WriteChunk(ctx, pool, 0, 262144, []byte("hello")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	err = m.VerifyAndFinalize(ctx, pf, "0000000000000000000000000000000000000000000000000000000000000000")
	if err != ErrChecksumMismatch {
		t.Fatalf("VerifyAndFinalize: got %v, want ErrChecksumMismatch", err)
	}
	if _, err := os.Stat(pf.PartPath); !os.IsNotExist(err) {
		t.Fatal("part path should have been removed on checksum mismatch")
	}
	if _, err := os.Stat(pf.FinalPath); !os.IsNotExist(err) {
		t.Fatal("final path should not exist on checksum mismatch")
	}
}

func TestPositionedWriteCommutativity(t *testing.T) {
	m, pool, s := newTestEnv(t)
	ctx := context.Background()

	const chunkSize = 1024
	const numChunks = 16
	chunks := make([][]byte, numChunks)
	for i := range chunks {
		chunks[i] = make([]byte, chunkSize)
		rand.Read(chunks[i])
	}

	run := func(order []int) []byte {
		pf, err := m.CreatePartFile(ctx, s, "commute.bin", chunkSize*numChunks)
		if err != nil {
			t.Fatalf("CreatePartFile: %v", err)
		}
		var wg sync.WaitGroup
		for _, idx := range order {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := pf.WriteChunk(ctx, pool, uint32(i), chunkSize, chunks[i]); err != nil {
					t.Errorf("WriteChunk(%d): %v", i, err)
				}
			}(idx)
		}
		wg.Wait()
		pf.CloseWriteHandle()
		data, err := os.ReadFile(pf.PartPath)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		os.Remove(pf.PartPath)
		return data
	}

	orderA := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	orderB := []int{15, 3, 7, 0, 11, 1, 9, 2, 14, 4, 6, 13, 5, 12, 8, 10}

	a := run(orderA)
	b := run(orderB)
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("byte %d differs between interleavings", i)
		}
	}
}

func TestCleanupIsIdempotentAndSilent(t *testing.T) {
	_, _, s := newTestEnv(t)
	pf := BuildPartFile(s, "ghost.bin", 10)
	pf.Cleanup()
	pf.Cleanup()

	if _, err := os.Stat(filepath.Join(s.Dir, "ghost.bin.part")); !os.IsNotExist(err) {
		t.Fatal("cleanup of a never-created part file should be silent and safe")
	}
}
