// Package sink implements the uniform write side of the file I/O
// substrate: a pre-allocated ".part" file written through positioned,
// concurrency-safe writes and finalized only once its content hash has
// been verified.
package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

// Kind distinguishes the two closed variants a Sink can hold.
type Kind int

const (
	KindLocalDirectory Kind = iota
	KindPublicStorageArea
)

// Sink is a closed sum type over a local directory or a platform "public
// storage area" (Android scoped storage, …). The public-storage variant is
// a narrow seam: the default implementation here treats it exactly like a
// local directory, since scoped-storage plumbing belongs to the UI layer.
type Sink struct {
	Kind Kind
	Dir  string
}

// LocalDirectory constructs a Sink that writes directly under dir.
func LocalDirectory(dir string) Sink { return Sink{Kind: KindLocalDirectory, Dir: dir} }

// PublicStorageArea constructs a Sink representing a platform public
// storage location. Resolution still requires a base directory.
func PublicStorageArea(dir string) Sink { return Sink{Kind: KindPublicStorageArea, Dir: dir} }

var (
	// ErrPermissionDenied is returned by EnsurePermission when the platform
	// denies write access to the sink.
	ErrPermissionDenied = errors.New("sink: permission denied")
	// ErrInsufficientSpace is returned when pre-allocating a part file fails.
	ErrInsufficientSpace = errors.New("sink: insufficient space")
	// ErrChecksumMismatch is returned by VerifyAndFinalize when the computed
	// hash does not match the expected one.
	ErrChecksumMismatch = errors.New("sink: checksum mismatch")
	// ErrHandleClosed is returned by WriteChunk after CloseWriteHandle.
	ErrHandleClosed = errors.New("sink: write handle closed")
)

// Manager creates and manages PartFiles, dispatching blocking I/O to a
// worker pool.
type Manager struct {
	pool *workerpool.Pool
}

func New(pool *workerpool.Pool) *Manager { return &Manager{pool: pool} }

// EnsurePermission is a no-op for variants without runtime permissions. It
// exists so a future platform-specific Sink can request and fail distinctly
// on denial without changing this package's call sites.
func (m *Manager) EnsurePermission(ctx context.Context, s Sink) error {
	return nil
}

// PartFile is a pre-allocated temporary file mid-write. Its write handle is
// either a cached, open read-write descriptor or absent (closed or never
// opened); a positioned write to offset o touches only [o, o+len) and never
// moves a shared cursor, so concurrent writes to disjoint chunk indices are
// safe without external locking.
type PartFile struct {
	PartPath  string
	FinalPath string
	Size      int64

	mu     sync.Mutex
	handle *os.File
}

// computePartPath appends ".part" to the last extension, or to the bare
// filename when there is none: "readme.md" -> "readme.md.part",
// "Makefile" -> "Makefile.part".
func computePartPath(finalPath string) string {
	return finalPath + ".part"
}

// CreatePartFile resolves relativePath against s, sets the part file's length
// to exactly size bytes, and returns a PartFile with a cached read-write
// handle.
func (m *Manager) CreatePartFile(ctx context.Context, s Sink, relativePath string, size int64) (*PartFile, error) {
	return workerpool.Do(ctx, m.pool, func() (*PartFile, error) {
		finalPath := filepath.Join(s.Dir, filepath.FromSlash(relativePath))
		partPath := computePartPath(finalPath)

		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return nil, fmt.Errorf("sink: create parent dirs: %w", err)
		}

		f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("sink: create part file: %w", err)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(partPath)
			return nil, fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
		}
		// Truncate sets the length only: on filesystems with sparse files
		// no blocks are reserved, and Sync commits the new length without
		// allocating space. A disk that fills up later is reported as a
		// WriteChunk error, not as ErrInsufficientSpace.
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(partPath)
			return nil, fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
		}

		return &PartFile{
			PartPath:  partPath,
			FinalPath: finalPath,
			Size:      size,
			handle:    f,
		}, nil
	})
}

// BuildPartFile returns a metadata-only PartFile without creating anything
// on disk. It exists so cancellation paths can address a part file for
// cleanup without having created (or re-created) it themselves.
func BuildPartFile(s Sink, relativePath string, size int64) *PartFile {
	finalPath := filepath.Join(s.Dir, filepath.FromSlash(relativePath))
	return &PartFile{
		PartPath:  computePartPath(finalPath),
		FinalPath: finalPath,
		Size:      size,
	}
}

// WriteChunk performs a positioned write of data at chunkIndex*chunkSize.
// Safe to call concurrently for distinct indices of the same PartFile; short
// writes (permitted by io.WriterAt only in unusual circumstances) are
// retried until the full chunk is written or an error occurs.
func (p *PartFile) WriteChunk(ctx context.Context, pool *workerpool.Pool, chunkIndex uint32, chunkSize int64, data []byte) error {
	_, err := workerpool.Do(ctx, pool, func() (struct{}, error) {
		p.mu.Lock()
		handle := p.handle
		p.mu.Unlock()
		if handle == nil {
			return struct{}{}, ErrHandleClosed
		}

		offset := int64(chunkIndex) * chunkSize
		written := 0
		for written < len(data) {
			n, err := handle.WriteAt(data[written:], offset+int64(written))
			if err != nil {
				return struct{}{}, fmt.Errorf("sink: write chunk %d: %w", chunkIndex, err)
			}
			written += n
		}
		return struct{}{}, nil
	})
	return err
}

// CloseWriteHandle closes the cached handle. Idempotent; required before
// finalize on platforms that refuse to rename an open file.
func (p *PartFile) CloseWriteHandle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

// VerifyAndFinalize closes the write handle, recomputes BLAKE3 over the
// written file, and compares it case-sensitively with expectedHex. On match
// it renames the part file to its final path; on mismatch it deletes the
// part file and returns ErrChecksumMismatch.
func (m *Manager) VerifyAndFinalize(ctx context.Context, p *PartFile, expectedHex string) error {
	_, err := workerpool.Do(ctx, m.pool, func() (struct{}, error) {
		if err := p.CloseWriteHandle(); err != nil {
			return struct{}{}, err
		}

		actual, err := hashFile(p.PartPath)
		if err != nil {
			return struct{}{}, fmt.Errorf("sink: hash part file: %w", err)
		}

		if actual != expectedHex {
			os.Remove(p.PartPath)
			return struct{}{}, ErrChecksumMismatch
		}

		if err := os.Rename(p.PartPath, p.FinalPath); err != nil {
			os.Remove(p.PartPath)
			return struct{}{}, fmt.Errorf("sink: finalize rename: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Cleanup removes the part file, if any, silently ignoring errors. Used on
// cancel/failure.
func (p *PartFile) Cleanup() {
	p.CloseWriteHandle()
	if p.PartPath != "" {
		os.Remove(p.PartPath)
	}
}
