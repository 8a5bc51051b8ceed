// Package source implements the uniform read side of the file I/O
// substrate: metadata, recursive enumeration, positioned chunk reads, and
// streaming BLAKE3 hashing over either a native filesystem path or a
// platform-specific content URI.
package source

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

// Kind distinguishes the two closed variants a Source can hold.
type Kind int

const (
	KindNativePath Kind = iota
	KindPlatformURI
)

// Source is a closed sum type over a native filesystem path or an opaque
// platform content URI (Android SAF, iOS security-scoped bookmark, …).
// A tagged struct is used instead of an interface so the hot read path
// stays a flat switch rather than a dynamic dispatch.
type Source struct {
	Kind        Kind
	NativePath  string
	PlatformURI string
}

// NativePath constructs a Source over a plain filesystem path.
func NativePath(path string) Source { return Source{Kind: KindNativePath, NativePath: path} }

// PlatformURI constructs a Source over an opaque platform content URI.
func PlatformURI(uri string) Source { return Source{Kind: KindPlatformURI, PlatformURI: uri} }

// Metadata describes a source's name, size, and whether it is a directory.
type Metadata struct {
	Name  string
	Size  int64
	IsDir bool
}

// EnumeratedFile is one leaf produced by EnumerateDir.
type EnumeratedFile struct {
	Name         string
	RelativePath string
	Source       Source
	Size         int64
}

var (
	// ErrOffsetOutOfRange is returned by ReadChunk when the requested chunk
	// starts at or beyond the end of the file.
	ErrOffsetOutOfRange = errors.New("source: chunk offset out of range")
)

// URIResolver maps a platform content URI to a native filesystem path. The
// default resolver treats the URI string as already being a local path,
// which is correct on desktop and sufficient for tests; Android SAF / iOS
// bookmark resolution is a UI-layer concern outside this package.
type URIResolver interface {
	Resolve(uri string) (string, error)
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(uri string) (string, error) { return uri, nil }

// Manager resolves Sources and performs blocking I/O on a dedicated worker
// pool so that callers running on an event-loop-like goroutine never block.
type Manager struct {
	pool     *workerpool.Pool
	resolver URIResolver
}

// New constructs a Manager. A nil resolver uses the passthrough default.
func New(pool *workerpool.Pool, resolver URIResolver) *Manager {
	if resolver == nil {
		resolver = passthroughResolver{}
	}
	return &Manager{pool: pool, resolver: resolver}
}

func (m *Manager) resolve(src Source) (string, error) {
	switch src.Kind {
	case KindNativePath:
		return src.NativePath, nil
	case KindPlatformURI:
		return m.resolver.Resolve(src.PlatformURI)
	default:
		return "", errors.New("source: unknown source kind")
	}
}

// Metadata returns the name, size, and directory-ness of src.
func (m *Manager) Metadata(ctx context.Context, src Source) (Metadata, error) {
	return workerpool.Do(ctx, m.pool, func() (Metadata, error) {
		path, err := m.resolve(src)
		if err != nil {
			return Metadata{}, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return Metadata{}, err
		}
		return Metadata{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()}, nil
	})
}

// EnumerateDir walks src (which must be a directory) and returns every file
// beneath it, flattened, with forward-slash relative paths prefixed by
// parentPrefix. The walk is iterative (an explicit stack, not recursion) and
// follows symlinks; entries that can't be read are skipped silently.
func (m *Manager) EnumerateDir(ctx context.Context, src Source, parentPrefix string) ([]EnumeratedFile, error) {
	return workerpool.Do(ctx, m.pool, func() ([]EnumeratedFile, error) {
		root, err := m.resolve(src)
		if err != nil {
			return nil, err
		}

		type frame struct {
			dir    string
			prefix string
		}
		var out []EnumeratedFile
		stack := []frame{{dir: root, prefix: parentPrefix}}

		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			entries, err := os.ReadDir(f.dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				name := entry.Name()
				abs := filepath.Join(f.dir, name)
				rel := name
				if f.prefix != "" {
					rel = f.prefix + "/" + name
				}

				info, err := os.Stat(abs) // os.Stat follows symlinks
				if err != nil {
					continue
				}
				if info.IsDir() {
					stack = append(stack, frame{dir: abs, prefix: rel})
					continue
				}
				out = append(out, EnumeratedFile{
					Name:         name,
					RelativePath: rel,
					Source:       NativePath(abs),
					Size:         info.Size(),
				})
			}
		}
		return out, nil
	})
}

// ReadChunk performs a positioned read of chunk chunkIndex from src, a
// source known to have size fileSize. Concurrent calls on the same source
// are safe because the read is positioned rather than cursor-relative.
func (m *Manager) ReadChunk(ctx context.Context, src Source, fileSize int64, chunkIndex uint32, chunkSize int64) ([]byte, error) {
	return workerpool.Do(ctx, m.pool, func() ([]byte, error) {
		if fileSize == 0 {
			return []byte{}, nil
		}
		offset := int64(chunkIndex) * chunkSize
		if offset >= fileSize {
			return nil, ErrOffsetOutOfRange
		}

		path, err := m.resolve(src)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		length := fileSize - offset
		if length > chunkSize {
			length = chunkSize
		}
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	})
}

// ComputeHash streams BLAKE3 over the whole content of src and returns the
// lower-case hex digest.
func (m *Manager) ComputeHash(ctx context.Context, src Source) (string, error) {
	return m.ComputeHashWithProgress(ctx, src, nil)
}

// ComputeHashWithProgress is like ComputeHash but additionally invokes
// progress with the cumulative byte count after every block. progress is
// called from the worker-pool goroutine, never from the caller's goroutine.
func (m *Manager) ComputeHashWithProgress(ctx context.Context, src Source, progress func(bytesHashed int64)) (string, error) {
	return workerpool.Do(ctx, m.pool, func() (string, error) {
		path, err := m.resolve(src)
		if err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()

		h := blake3.New()
		buf := make([]byte, 1<<20)
		var total int64
		for {
			n, err := f.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
				total += int64(n)
				if progress != nil {
					progress(total)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	})
}
