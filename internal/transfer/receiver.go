package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/codec"
	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

// Receiver runs a ReceiveSession's pull task: for each file, spawn up to
// MaxConcurrentChunks concurrent chunk fetches, decrypt and write each one,
// then verify-and-finalize once the whole file has landed.
type Receiver struct {
	client  overlay.Client
	sinkMgr *sink.Manager
	pool    *workerpool.Pool
}

func NewReceiver(client overlay.Client, sinkMgr *sink.Manager, pool *workerpool.Pool) *Receiver {
	return &Receiver{client: client, sinkMgr: sinkMgr, pool: pool}
}

// Run executes the full pull task to completion (or cancellation/failure).
// The caller is expected to invoke this on its own goroutine and to call
// onDone when it returns, so the manager can drop the session from its
// registry exactly once.
func (r *Receiver) Run(ctx context.Context, sess *ReceiveSession, events Events, onDone func()) {
	defer onDone()

	if err := r.sinkMgr.EnsurePermission(ctx, sess.Sink); err != nil {
		events.TransferFailed(sess.SessionID, "receive", sink.ErrPermissionDenied.Error())
		transitionTo(&sess.state, &sess.mu, StateFailed)
		return
	}

	for _, file := range sess.Files {
		if sess.Cancelled() {
			r.finishCancelled(sess, events)
			return
		}

		sess.Progress.SetCurrentFile(file.Name)

		part, err := r.sinkMgr.CreatePartFile(ctx, sess.Sink, file.RelativePath, file.Size)
		if err != nil {
			events.TransferFailed(sess.SessionID, "receive", err.Error())
			transitionTo(&sess.state, &sess.mu, StateFailed)
			return
		}
		sess.addPart(part)

		if ok := r.pullFile(ctx, sess, file, part, events); !ok {
			return
		}
	}

	_, _ = r.client.SendRequest(ctx, sess.PeerID, overlay.Request{Complete: &overlay.CompleteRequest{SessionID: sess.SessionID}})

	transitionTo(&sess.state, &sess.mu, StateCompleted)
	elapsed := time.Since(sess.CreatedAt).Milliseconds()
	events.TransferComplete(sess.SessionID, "receive", sess.Progress.Snapshot().TotalBytes, elapsed)
}

// pullFile drives the bounded-concurrency chunk fetch for one file. Returns
// false if the session ended (cancelled or failed) and the caller should
// stop processing further files.
func (r *Receiver) pullFile(ctx context.Context, sess *ReceiveSession, file FileInfo, part *sink.PartFile, events Events) bool {
	total := totalChunks(file.Size)
	sem := make(chan struct{}, MaxConcurrentChunks)

	var errOnce sync.Once
	var firstErr atomic.Value // error
	var wg sync.WaitGroup

dispatchLoop:
	for idx := uint32(0); idx < total; idx++ {
		select {
		case sem <- struct{}{}:
		case <-sess.cancelFlag:
			break dispatchLoop
		}
		if sess.Cancelled() {
			break dispatchLoop
		}

		wg.Add(1)
		go func(chunkIndex uint32) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}
			if err := r.fetchAndWriteChunk(ctx, sess, file, chunkIndex, part); err != nil {
				errOnce.Do(func() {
					firstErr.Store(err)
					if !errors.Is(err, ErrTransferCancelled) {
						sess.Fail()
					}
				})
				return
			}
			sess.Progress.AddBytes(file.FileID, chunkLen(file.Size, chunkIndex))
			sess.Progress.UpdateFileChunk(file.FileID)
			if sess.Progress.ShouldEmit(false) {
				events.TransferProgress(sess.Progress.Snapshot())
			}
		}(idx)
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		err, _ := v.(error)
		if errors.Is(err, ErrTransferCancelled) || sess.Cancelled() {
			r.finishCancelled(sess, events)
			return false
		}
		sess.cleanupParts()
		events.TransferFailed(sess.SessionID, "receive", err.Error())
		return false
	}
	if sess.Cancelled() {
		r.finishCancelled(sess, events)
		return false
	}

	if err := r.sinkMgr.VerifyAndFinalize(ctx, part, file.Checksum); err != nil {
		sess.removePart(part)
		events.TransferFailed(sess.SessionID, "receive", "checksum-mismatch")
		transitionTo(&sess.state, &sess.mu, StateFailed)
		return false
	}
	sess.removePart(part)
	// Every chunk already advanced the counter above; VerifyAndFinalize
	// doesn't add one of its own, it just flushes the resulting snapshot.
	events.TransferProgress(sess.Progress.Snapshot())
	return true
}

func (r *Receiver) fetchAndWriteChunk(ctx context.Context, sess *ReceiveSession, file FileInfo, chunkIndex uint32, part *sink.PartFile) error {
	var lastErr error
	for attempt := 1; attempt <= MaxChunkRetries; attempt++ {
		if sess.Cancelled() {
			return ErrTransferCancelled
		}

		resp, err := r.client.SendRequest(ctx, sess.PeerID, overlay.Request{
			ChunkRequest: &overlay.ChunkRequestMsg{SessionID: sess.SessionID, FileID: file.FileID, ChunkIndex: chunkIndex},
		})
		if err == nil && resp.Chunk != nil {
			plaintext, derr := codec.Open(sess.Key, sess.SessionID, file.FileID, chunkIndex, resp.Chunk.Data)
			if derr == nil {
				return part.WriteChunk(ctx, r.pool, chunkIndex, CHUNK, plaintext)
			}
			lastErr = derr
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = ErrProtocolViolation
		}

		if attempt == MaxChunkRetries {
			break
		}
		backoff := chunkRetryBackoff(attempt)
		select {
		case <-time.After(backoff):
		case <-sess.cancelFlag:
			return ErrTransferCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *Receiver) finishCancelled(sess *ReceiveSession, events Events) {
	sess.cleanupParts()
	events.TransferFailed(sess.SessionID, "receive", "user-cancelled")
}

func chunkLen(size int64, chunkIndex uint32) int64 {
	if size == 0 {
		return 0
	}
	remaining := size - int64(chunkIndex)*CHUNK
	if remaining > CHUNK {
		return CHUNK
	}
	return remaining
}
