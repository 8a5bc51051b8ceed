package transfer

import (
	"context"
	"fmt"

	"github.com/swarmdrop/swarmdrop/internal/codec"
	"github.com/swarmdrop/swarmdrop/internal/fileio/source"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// Sender drives a SendSession's chunk-request handling; it holds the
// dependencies a session itself doesn't own (the source manager reading
// plaintext bytes off disk).
type Sender struct {
	sourceMgr *source.Manager
}

func NewSender(sourceMgr *source.Manager) *Sender { return &Sender{sourceMgr: sourceMgr} }

// HandleChunkRequest reads, encrypts, and returns one chunk. It never
// blocks the dispatcher's event loop directly: the read goes through the
// source manager's worker pool.
func (s *Sender) HandleChunkRequest(ctx context.Context, sess *SendSession, fileID, chunkIndex uint32) (*overlay.ChunkMsg, error) {
	if sess.Cancelled() {
		return nil, ErrTransferCancelled
	}

	file, ok := sess.Files[fileID]
	if !ok {
		return nil, ErrUnknownFileID
	}

	plaintext, err := s.sourceMgr.ReadChunk(ctx, file.Source, file.Size, chunkIndex, CHUNK)
	if err != nil {
		return nil, fmt.Errorf("transfer: read chunk: %w", err)
	}

	ciphertext, err := codec.Seal(sess.Key, sess.SessionID, fileID, chunkIndex, plaintext)
	if err != nil {
		return nil, fmt.Errorf("transfer: encrypt chunk: %w", err)
	}

	total := totalChunks(file.Size)
	isLast := chunkIndex+1 >= total

	sess.Progress.AddBytes(fileID, int64(len(plaintext)))
	sess.Progress.UpdateFileChunk(fileID)

	return &overlay.ChunkMsg{
		SessionID:  sess.SessionID,
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		Data:       ciphertext,
		IsLast:     isLast,
	}, nil
}

// HandleComplete is invoked when the peer reports the transfer done; the
// manager is responsible for removing the session from the registry and
// emitting transfer-complete afterward.
func (s *Sender) HandleComplete(sess *SendSession) {
	transitionTo(&sess.state, &sess.mu, StateCompleted)
}

// HandleCancel signals the session's cancel flag; all subsequent chunk
// requests observe Cancelled() and fail fast.
func (s *Sender) HandleCancel(sess *SendSession) {
	sess.Cancel()
}
