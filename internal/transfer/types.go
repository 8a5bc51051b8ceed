// Package transfer implements the transfer manager and the sender/receiver
// session state machines: preparing files, negotiating an offer, and
// running the chunked, encrypted, bounded-concurrency pull that moves file
// bytes between two paired peers.
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/fileio/source"
	"github.com/swarmdrop/swarmdrop/internal/progress"
)

const (
	// CHUNK is the plaintext chunk size in bytes (256 KiB).
	CHUNK = 262144

	// MaxConcurrentChunks bounds the number of in-flight chunk requests a
	// single receive session may have outstanding at once.
	MaxConcurrentChunks = 8

	// MaxChunkRetries bounds retry attempts per chunk before the session fails.
	MaxChunkRetries = 3

	// RequestTimeout is the overlay request/response timeout inherited by
	// every chunk request and the offer/complete handshakes.
	RequestTimeout = 180 * time.Second
)

// chunkRetryBackoff returns the backoff before retry attempt n (1-based),
// following 500·2^(n-1)ms capped at 2000ms.
func chunkRetryBackoff(attempt int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 2000*time.Millisecond {
			return 2000 * time.Millisecond
		}
	}
	if d > 2000*time.Millisecond {
		d = 2000 * time.Millisecond
	}
	return d
}

var (
	ErrEmptySelection     = errors.New("transfer: file selection is empty")
	ErrInvalidPeerID      = errors.New("transfer: invalid peer id")
	ErrPreparedNotFound   = errors.New("transfer: prepared transfer not found")
	ErrOfferNotFound      = errors.New("transfer: pending offer not found")
	ErrSendSessionNotFound = errors.New("transfer: send session not found")
	ErrRecvSessionNotFound = errors.New("transfer: receive session not found")
	ErrUnknownFileID      = errors.New("transfer: unknown file id")
	ErrTransferCancelled  = errors.New("transfer: cancelled")
	ErrProtocolViolation  = errors.New("transfer: protocol violation")
	ErrChecksumMismatch   = errors.New("transfer: checksum mismatch")
	ErrNotPaired          = errors.New("transfer: peer not paired")
)

// PreparedFile is one file within a PreparedTransfer, carrying its computed
// checksum and dense file id.
type PreparedFile struct {
	FileID       uint32
	Name         string
	RelativePath string
	Source       source.Source
	Size         int64
	Checksum     string
}

// PreparedTransfer is the result of Manager.Prepare: hashed, file-id-assigned,
// ready to be offered to a peer.
type PreparedTransfer struct {
	PreparedID   string
	Files        []PreparedFile
	TotalSize    int64
	ManifestHash string
}

// PendingOffer is an inbound offer cached by the dispatcher awaiting a
// user decision.
type PendingOffer struct {
	PendingID string
	PeerID    string
	SessionID [16]byte
	Files     []FileInfo
	TotalSize int64
}

// FileInfo mirrors the wire file descriptor carried in an Offer.
type FileInfo struct {
	FileID       uint32
	Name         string
	RelativePath string
	Size         int64
	Checksum     string
}

// State is the transfer session state machine: pending -> running ->
// {completed | cancelled | failed}, no transition back from a terminal state.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var stateTransitions = map[State][]State{
	StatePending:   {StateRunning, StateCancelled, StateFailed},
	StateRunning:   {StateCompleted, StateCancelled, StateFailed},
	StateCompleted: {},
	StateCancelled: {},
	StateFailed:    {},
}

var ErrInvalidStateTransition = errors.New("transfer: invalid state transition")

func transitionTo(cur *State, mu *sync.Mutex, next State) error {
	mu.Lock()
	defer mu.Unlock()
	for _, allowed := range stateTransitions[*cur] {
		if allowed == next {
			*cur = next
			return nil
		}
	}
	return ErrInvalidStateTransition
}

// SendSession is the sender-side state for one accepted offer.
type SendSession struct {
	SessionID [16]byte
	PeerID    string
	Files     map[uint32]PreparedFile
	Key       []byte
	StartedAt time.Time
	Progress  *progress.Tracker

	mu         sync.Mutex
	state      State
	cancelFlag chan struct{}
	cancelOnce sync.Once
}

func (s *SendSession) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelFlag) })
	transitionTo(&s.state, &s.mu, StateCancelled)
}

func (s *SendSession) Cancelled() bool {
	select {
	case <-s.cancelFlag:
		return true
	default:
		return false
	}
}

func (s *SendSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReceiveSession is the receiver-side state for one accepted offer.
type ReceiveSession struct {
	SessionID [16]byte
	PeerID    string
	Files     []FileInfo
	Sink      sink.Sink
	Key       []byte
	CreatedAt time.Time
	Progress  *progress.Tracker

	mu           sync.Mutex
	state        State
	cancelFlag   chan struct{}
	cancelOnce   sync.Once
	createdParts []*sink.PartFile
	partsMu      sync.Mutex
}

func (s *ReceiveSession) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelFlag) })
	transitionTo(&s.state, &s.mu, StateCancelled)
}

// Fail stops any in-flight chunk work (same stop signal as Cancel) but
// marks the session Failed rather than Cancelled, for internal
// retry-exhaustion or checksum-mismatch paths rather than user/peer
// initiated cancellation.
func (s *ReceiveSession) Fail() {
	s.cancelOnce.Do(func() { close(s.cancelFlag) })
	transitionTo(&s.state, &s.mu, StateFailed)
}

func (s *ReceiveSession) Cancelled() bool {
	select {
	case <-s.cancelFlag:
		return true
	default:
		return false
	}
}

func (s *ReceiveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ReceiveSession) addPart(p *sink.PartFile) {
	s.partsMu.Lock()
	s.createdParts = append(s.createdParts, p)
	s.partsMu.Unlock()
}

func (s *ReceiveSession) removePart(p *sink.PartFile) {
	s.partsMu.Lock()
	defer s.partsMu.Unlock()
	for i, cp := range s.createdParts {
		if cp == p {
			s.createdParts = append(s.createdParts[:i], s.createdParts[i+1:]...)
			return
		}
	}
}

// cleanupParts runs PartFile.Cleanup on every still-tracked part file; used
// on cancel/failure.
func (s *ReceiveSession) cleanupParts() {
	s.partsMu.Lock()
	parts := append([]*sink.PartFile(nil), s.createdParts...)
	s.createdParts = nil
	s.partsMu.Unlock()
	for _, p := range parts {
		p.Cleanup()
	}
}
