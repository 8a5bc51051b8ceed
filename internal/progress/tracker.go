// Package progress implements the per-session progress tracker: byte/chunk
// accounting, a short-window transfer-rate estimate, and emission
// throttling so a fast transfer doesn't flood the UI with events.
package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	emitInterval = 200 * time.Millisecond
	rateWindow   = 3 * time.Second
)

// FileProgress tracks one file's completion within a session.
type FileProgress struct {
	FileID         uint32
	Name           string
	TotalChunks    uint32
	ChunksDone     uint32
	Transferred    int64
	Completed      bool
}

type rateSample struct {
	at    time.Time
	bytes int64
}

// Snapshot is an immutable view of a Tracker's state at one instant,
// suitable for building a transfer-progress event payload.
type Snapshot struct {
	SessionID        string
	Direction        string
	TotalBytes       int64
	TransferredBytes int64
	TotalFiles       int
	CompletedFiles   int
	CurrentFile      string
	BytesPerSecond   float64
	Files            []FileProgress
}

// Tracker accumulates progress for one transfer session. Every exported
// mutator is safe for concurrent use; transferred bytes are monotonic
// within a session by construction (only Add* methods exist, no setters).
type Tracker struct {
	sessionID  string
	direction  string
	totalBytes int64

	mu               sync.Mutex
	transferredBytes int64
	completedFiles   int
	currentFile      string
	files            map[uint32]*FileProgress
	order            []uint32
	samples          []rateSample

	limiter  *rate.Limiter
	lastEmit time.Time
}

// New creates a Tracker pre-initialized with every file as pending.
func New(sessionID, direction string, files []FileProgress, totalBytes int64) *Tracker {
	t := &Tracker{
		sessionID:  sessionID,
		direction:  direction,
		totalBytes: totalBytes,
		files:      make(map[uint32]*FileProgress, len(files)),
		limiter:    rate.NewLimiter(rate.Every(emitInterval), 1),
	}
	for _, f := range files {
		fp := f
		t.files[fp.FileID] = &fp
		t.order = append(t.order, fp.FileID)
	}
	return t
}

// SetCurrentFile records name as the file currently in progress.
func (t *Tracker) SetCurrentFile(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentFile = name
}

// AddBytes records newly transferred bytes for fileID and updates the
// rolling transfer-rate window.
func (t *Tracker) AddBytes(fileID uint32, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fp, ok := t.files[fileID]; ok {
		fp.Transferred += n
	}
	t.transferredBytes += n

	now := time.Now()
	t.samples = append(t.samples, rateSample{at: now, bytes: n})
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

// UpdateFileChunk counts one more chunk of fileID as done and, if that was the last
// outstanding chunk, marks the file completed.
func (t *Tracker) UpdateFileChunk(fileID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.files[fileID]
	if !ok {
		return
	}
	fp.ChunksDone++
	if fp.ChunksDone >= fp.TotalChunks && !fp.Completed {
		fp.Completed = true
		t.completedFiles++
	}
}

// Snapshot returns the current state. BytesPerSecond is computed over the
// trailing rateWindow.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	var span time.Duration
	if len(t.samples) > 0 {
		sum = 0
		for _, s := range t.samples {
			sum += s.bytes
		}
		span = time.Since(t.samples[0].at)
		if span <= 0 {
			span = time.Millisecond
		}
	}
	var bps float64
	if span > 0 {
		bps = float64(sum) / span.Seconds()
	}

	files := make([]FileProgress, 0, len(t.order))
	for _, id := range t.order {
		files = append(files, *t.files[id])
	}

	return Snapshot{
		SessionID:        t.sessionID,
		Direction:        t.direction,
		TotalBytes:       t.totalBytes,
		TransferredBytes: t.transferredBytes,
		TotalFiles:       len(t.order),
		CompletedFiles:   t.completedFiles,
		CurrentFile:      t.currentFile,
		BytesPerSecond:   bps,
		Files:            files,
	}
}

// ShouldEmit reports whether at least emitInterval has passed since the last
// true result, consuming the throttle's token if so. force bypasses the
// throttle for a final synchronous emit.
func (t *Tracker) ShouldEmit(force bool) bool {
	if force {
		return true
	}
	return t.limiter.Allow()
}
