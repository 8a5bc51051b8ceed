package transfer

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/fileio/source"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/progress"
)

// Manager owns the four concurrent maps that make up transfer state:
// prepared transfers awaiting an offer, inbound offers awaiting a decision,
// and the send/receive sessions actively moving bytes.
type Manager struct {
	client     overlay.Client
	sourceMgr  *source.Manager
	sinkMgr    *sink.Manager
	selfPeerID string
	events     Events
	isPaired   func(peerID string) bool

	mu       sync.Mutex
	prepared map[string]*PreparedTransfer
	offers   map[string]*PendingOffer
	sends    map[[16]byte]*SendSession
	receives map[[16]byte]*ReceiveSession
}

func NewManager(client overlay.Client, sourceMgr *source.Manager, sinkMgr *sink.Manager, selfPeerID string, events Events, isPaired func(string) bool) *Manager {
	return &Manager{
		client:     client,
		sourceMgr:  sourceMgr,
		sinkMgr:    sinkMgr,
		selfPeerID: selfPeerID,
		events:     events,
		isPaired:   isPaired,
		prepared:   make(map[string]*PreparedTransfer),
		offers:     make(map[string]*PendingOffer),
		sends:      make(map[[16]byte]*SendSession),
		receives:   make(map[[16]byte]*ReceiveSession),
	}
}

// PrepareEntry is one file or directory entry the caller wants to send.
type PrepareEntry struct {
	Name         string
	RelativePath string
	Source       source.Source
	Size         int64
}

// Prepare streams BLAKE3 over every entry, assigns dense file ids, and
// stores the result by a freshly minted prepared id.
func (m *Manager) Prepare(ctx context.Context, entries []PrepareEntry) (*PreparedTransfer, error) {
	if len(entries) == 0 {
		return nil, ErrEmptySelection
	}

	preparedID := uuid.New().String()
	files := make([]PreparedFile, 0, len(entries))
	var totalBytes, hashedSoFar int64
	for _, e := range entries {
		totalBytes += e.Size
	}

	for i, e := range entries {
		checksum, err := m.sourceMgr.ComputeHashWithProgress(ctx, e.Source, func(n int64) {
			m.events.PrepareProgress(preparedID, e.Name, i, len(entries), hashedSoFar+n, totalBytes)
		})
		if err != nil {
			return nil, fmt.Errorf("transfer: hash %q: %w", e.Name, err)
		}
		hashedSoFar += e.Size
		files = append(files, PreparedFile{
			FileID:       uint32(i),
			Name:         e.Name,
			RelativePath: e.RelativePath,
			Source:       e.Source,
			Size:         e.Size,
			Checksum:     checksum,
		})
	}
	m.events.PrepareProgress(preparedID, "", len(entries), len(entries), totalBytes, totalBytes)

	checksums := make([]string, len(files))
	for i, f := range files {
		checksums[i] = f.Checksum
	}
	root, err := manifestHash(checksums)
	if err != nil {
		return nil, fmt.Errorf("transfer: manifest hash: %w", err)
	}

	pt := &PreparedTransfer{PreparedID: preparedID, Files: files, TotalSize: totalBytes, ManifestHash: root}
	m.mu.Lock()
	m.prepared[preparedID] = pt
	m.mu.Unlock()
	return pt, nil
}

// StartSendResult is returned by SendOffer.
type StartSendResult struct {
	SessionID [16]byte
	Accepted  bool
	Reason    string
}

// SendOffer removes the prepared entry, filters it to the selection, and
// offers it to targetPeer, instantiating a send session on acceptance.
func (m *Manager) SendOffer(ctx context.Context, preparedID, targetPeer string, selectedFileIDs map[uint32]bool) (*StartSendResult, error) {
	if targetPeer == "" {
		return nil, ErrInvalidPeerID
	}

	m.mu.Lock()
	pt, ok := m.prepared[preparedID]
	if ok {
		delete(m.prepared, preparedID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrPreparedNotFound
	}

	var selected []PreparedFile
	var totalSize int64
	for _, f := range pt.Files {
		if selectedFileIDs == nil || selectedFileIDs[f.FileID] {
			selected = append(selected, f)
			totalSize += f.Size
		}
	}
	if len(selected) == 0 {
		return nil, ErrEmptySelection
	}

	var sessionID [16]byte
	if id, err := uuid.New().MarshalBinary(); err == nil {
		copy(sessionID[:], id)
	}

	wireFiles := make([]overlay.FileInfo, len(selected))
	for i, f := range selected {
		wireFiles[i] = overlay.FileInfo{FileID: f.FileID, Name: f.Name, RelativePath: f.RelativePath, Size: f.Size, Checksum: f.Checksum}
	}

	resp, err := m.client.SendRequest(ctx, targetPeer, overlay.Request{
		Offer: &overlay.OfferRequest{SessionID: sessionID, Files: wireFiles, TotalSize: totalSize},
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: send offer: %w", err)
	}
	if resp.OfferResult == nil {
		return nil, ErrProtocolViolation
	}

	if !resp.OfferResult.Accepted {
		return &StartSendResult{SessionID: sessionID, Accepted: false, Reason: resp.OfferResult.Reason}, nil
	}
	if resp.OfferResult.Key == nil {
		return &StartSendResult{SessionID: sessionID, Accepted: false, Reason: "protocol-error: missing key"}, nil
	}

	filesByID := make(map[uint32]PreparedFile, len(selected))
	fileProgress := make([]progress.FileProgress, 0, len(selected))
	for _, f := range selected {
		filesByID[f.FileID] = f
		fileProgress = append(fileProgress, progress.FileProgress{FileID: f.FileID, Name: f.Name, TotalChunks: totalChunks(f.Size)})
	}

	sess := &SendSession{
		SessionID:  sessionID,
		PeerID:     targetPeer,
		Files:      filesByID,
		Key:        append([]byte(nil), resp.OfferResult.Key[:]...),
		StartedAt:  time.Now(),
		Progress:   progress.New(uuidHex(sessionID), "send", fileProgress, totalSize),
		cancelFlag: make(chan struct{}),
	}
	transitionTo(&sess.state, &sess.mu, StateRunning)
	m.mu.Lock()
	m.sends[sessionID] = sess
	m.mu.Unlock()

	return &StartSendResult{SessionID: sessionID, Accepted: true}, nil
}

// AcceptAndStartReceive removes the pending offer, generates a fresh AEAD
// key, replies with acceptance, and returns the newly constructed receive
// session. The caller is responsible for spawning its pull task (Run).
func (m *Manager) AcceptAndStartReceive(ctx context.Context, pendingID string, dest sink.Sink) (*ReceiveSession, error) {
	m.mu.Lock()
	offer, ok := m.offers[pendingID]
	if ok {
		delete(m.offers, pendingID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrOfferNotFound
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("transfer: generate session key: %w", err)
	}
	var keyArr [32]byte
	copy(keyArr[:], key)

	if err := m.client.SendResponse(ctx, pendingID, overlay.Response{
		OfferResult: &overlay.OfferResult{Accepted: true, Key: &keyArr},
	}); err != nil {
		return nil, fmt.Errorf("transfer: send offer result: %w", err)
	}

	fileProgress := make([]progress.FileProgress, len(offer.Files))
	for i, f := range offer.Files {
		fileProgress[i] = progress.FileProgress{FileID: f.FileID, Name: f.Name, TotalChunks: totalChunks(f.Size)}
	}

	sess := &ReceiveSession{
		SessionID:  offer.SessionID,
		PeerID:     offer.PeerID,
		Files:      offer.Files,
		Sink:       dest,
		Key:        key,
		CreatedAt:  time.Now(),
		Progress:   progress.New(uuidHex(offer.SessionID), "receive", fileProgress, offer.TotalSize),
		cancelFlag: make(chan struct{}),
	}
	transitionTo(&sess.state, &sess.mu, StateRunning)
	m.mu.Lock()
	m.receives[offer.SessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

// RejectAndRespond removes the pending offer and replies with a rejection.
func (m *Manager) RejectAndRespond(ctx context.Context, pendingID string) error {
	m.mu.Lock()
	_, ok := m.offers[pendingID]
	if ok {
		delete(m.offers, pendingID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrOfferNotFound
	}
	reason := "user-rejected"
	return m.client.SendResponse(ctx, pendingID, overlay.Response{
		OfferResult: &overlay.OfferResult{Accepted: false, Reason: reason},
	})
}

// CacheOffer registers an inbound offer under pendingID for later
// accept/reject. Called by the dispatcher after admission checks pass.
func (m *Manager) CacheOffer(pendingID string, offer PendingOffer) {
	m.mu.Lock()
	m.offers[pendingID] = &offer
	m.mu.Unlock()
}

// SendSession looks up an active send session.
func (m *Manager) SendSession(sessionID [16]byte) (*SendSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sends[sessionID]
	return s, ok
}

// ReceiveSession looks up an active receive session.
func (m *Manager) ReceiveSession(sessionID [16]byte) (*ReceiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.receives[sessionID]
	return s, ok
}

// RemoveSendSession drops a terminal send session from the registry.
func (m *Manager) RemoveSendSession(sessionID [16]byte) {
	m.mu.Lock()
	delete(m.sends, sessionID)
	m.mu.Unlock()
}

// RemoveReceiveSession drops a terminal receive session from the registry.
func (m *Manager) RemoveReceiveSession(sessionID [16]byte) {
	m.mu.Lock()
	delete(m.receives, sessionID)
	m.mu.Unlock()
}

// CancelSend signals the cancel flag on an active send session.
func (m *Manager) CancelSend(sessionID [16]byte) error {
	s, ok := m.SendSession(sessionID)
	if !ok {
		return ErrSendSessionNotFound
	}
	s.Cancel()
	return nil
}

// CancelReceive signals the cancel flag on an active receive session,
// notifies the peer, and triggers .part cleanup. The session is removed
// from the registry by the pull task observing the cancellation, not here,
// to avoid racing the task's own completion-time removal.
func (m *Manager) CancelReceive(ctx context.Context, sessionID [16]byte, peerID, reason string) error {
	s, ok := m.ReceiveSession(sessionID)
	if !ok {
		return ErrRecvSessionNotFound
	}
	s.Cancel()
	_, _ = m.client.SendRequest(ctx, peerID, overlay.Request{
		Cancel: &overlay.CancelRequest{SessionID: sessionID, Reason: reason},
	})
	s.cleanupParts()
	return nil
}

func totalChunks(size int64) uint32 {
	if size == 0 {
		return 1
	}
	n := size / CHUNK
	if size%CHUNK != 0 {
		n++
	}
	return uint32(n)
}

func uuidHex(id [16]byte) string {
	u, err := uuid.FromBytes(id[:])
	if err != nil {
		return fmt.Sprintf("%x", id)
	}
	return u.String()
}
