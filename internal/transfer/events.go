package transfer

import "github.com/swarmdrop/swarmdrop/internal/progress"

// Events is the outbound UI event contract this package drives. The
// dispatcher supplies a concrete implementation; tests can use a recording
// stub. Every method must return promptly — no network or disk I/O.
type Events interface {
	PrepareProgress(preparedID string, currentFile string, completedFiles, totalFiles int, bytesHashed, totalBytes int64)
	TransferOffer(offer PendingOffer, displayName string)
	TransferProgress(snap progress.Snapshot)
	TransferComplete(sessionID [16]byte, direction string, totalBytes int64, elapsedMS int64)
	TransferFailed(sessionID [16]byte, direction string, reason string)
}

// NopEvents implements Events with no-ops; useful as a base for partial stubs.
type NopEvents struct{}

func (NopEvents) PrepareProgress(string, string, int, int, int64, int64)      {}
func (NopEvents) TransferOffer(PendingOffer, string)                         {}
func (NopEvents) TransferProgress(progress.Snapshot)                         {}
func (NopEvents) TransferComplete(sessionID [16]byte, direction string, totalBytes, elapsedMS int64) {}
func (NopEvents) TransferFailed(sessionID [16]byte, direction string, reason string)                 {}
