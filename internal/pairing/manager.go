package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/presence"
)

const defaultCodeTTL = 300 * time.Second

var (
	ErrInvalidCode      = errors.New("pairing: invalid code")
	ErrExpiredCode      = errors.New("pairing: code expired")
	ErrPeerIDInvalid    = errors.New("pairing: peer id invalid")
	ErrNoActiveCode     = errors.New("pairing: no active code")
)

type activeCode struct {
	code      string
	expiresAt time.Time
	consumed  bool
}

// PendingInboundRequest is what the event dispatcher hands to the UI: a
// cached inbound pairing request awaiting a decision.
type PendingInboundRequest struct {
	PendingID string
	PeerID    string
	Request   overlay.PairingRequest
}

// Manager drives the pairing protocol: code generation/verification, the
// request/accept handshake, and the persistent peer set.
type Manager struct {
	client     overlay.Client
	store      *Store
	selfPeerID string
	selfOS     overlay.OSInfo

	mu         sync.Mutex
	active     *activeCode
	discovered map[string]overlay.OSInfo
	pending    map[string]PendingInboundRequest

	// OnPairedDeviceAdded is invoked (outside any lock) whenever a peer is
	// added to the persistent set, letting the dispatcher emit
	// "paired-device-added".
	OnPairedDeviceAdded func(PairedDevice)
}

func NewManager(client overlay.Client, store *Store, selfPeerID string, selfOS overlay.OSInfo) *Manager {
	return &Manager{
		client:     client,
		store:      store,
		selfPeerID: selfPeerID,
		selfOS:     selfOS,
		discovered: make(map[string]overlay.OSInfo),
		pending:    make(map[string]PendingInboundRequest),
	}
}

// GenerateCode draws a fresh six-digit code, publishes it with the given
// TTL (default 300s), and makes it the node's one active code. Any
// previously active code is simply overwritten; its DHT entry is left to
// expire by TTL.
func (m *Manager) GenerateCode(ctx context.Context, ttl time.Duration, listenAddrs []string) (string, error) {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	rec := presence.ShareCodeRecord{
		OSInfo:      m.selfOS,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		ListenAddrs: listenAddrs,
	}
	if err := presence.PublishShareCode(ctx, m.client, m.selfPeerID, code, rec); err != nil {
		return "", fmt.Errorf("pairing: publish code: %w", err)
	}

	m.mu.Lock()
	m.active = &activeCode{code: code, expiresAt: expiresAt}
	m.mu.Unlock()

	return code, nil
}

// GetDeviceInfo resolves a share code to its issuer's peer id, os info, and
// listen addresses, registering the addresses into the overlay's address
// book and caching the os info for later use by RequestPairing.
func (m *Manager) GetDeviceInfo(ctx context.Context, code string) (peerID string, osInfo overlay.OSInfo, listenAddrs []string, err error) {
	rec, publisher, err := presence.LookupShareCode(ctx, m.client, code)
	if err != nil {
		if errors.Is(err, presence.ErrRecordExpired) {
			return "", overlay.OSInfo{}, nil, ErrExpiredCode
		}
		return "", overlay.OSInfo{}, nil, ErrInvalidCode
	}

	if err := m.client.AddPeerAddrs(publisher, rec.ListenAddrs); err != nil {
		return "", overlay.OSInfo{}, nil, fmt.Errorf("pairing: register addrs: %w", err)
	}

	m.mu.Lock()
	m.discovered[publisher] = rec.OSInfo
	m.mu.Unlock()

	return publisher, rec.OSInfo, rec.ListenAddrs, nil
}

// RequestPairing dials peerID and sends a Pairing request, returning its
// result. On Success it adds the peer to the persistent paired set using
// any cached os info (or a placeholder derived from the peer id).
func (m *Manager) RequestPairing(ctx context.Context, peerID string, method overlay.PairingMethod, extraAddrs []string) (*overlay.PairingResult, error) {
	if peerID == "" {
		return nil, ErrPeerIDInvalid
	}
	if len(extraAddrs) > 0 {
		if err := m.client.AddPeerAddrs(peerID, extraAddrs); err != nil {
			return nil, fmt.Errorf("pairing: register addrs: %w", err)
		}
	}
	if err := m.client.Dial(ctx, peerID); err != nil {
		return nil, fmt.Errorf("pairing: dial: %w", err)
	}

	req := overlay.Request{Pairing: &overlay.PairingRequest{
		OSInfo:    m.selfOS,
		Timestamp: time.Now(),
		Method:    method,
	}}
	resp, err := m.client.SendRequest(ctx, peerID, req)
	if err != nil {
		return nil, fmt.Errorf("pairing: send request: %w", err)
	}
	if resp.PairingResult == nil {
		return nil, errors.New("pairing: malformed response")
	}

	if resp.PairingResult.Success {
		m.mu.Lock()
		osInfo, ok := m.discovered[peerID]
		m.mu.Unlock()
		if !ok {
			osInfo = placeholderOSInfo(peerID)
		}
		if err := m.addPairedDevice(peerID, osInfo); err != nil {
			return nil, err
		}
	}

	return resp.PairingResult, nil
}

// CacheInboundRequest records an inbound pairing request, keyed by pendingID,
// for the UI to decide on via HandlePairingRequest.
func (m *Manager) CacheInboundRequest(pendingID, peerID string, req overlay.PairingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pendingID] = PendingInboundRequest{PendingID: pendingID, PeerID: peerID, Request: req}
}

// HandlePairingRequest resolves a cached inbound request with the UI's
// decision. For method=Code, success requires the received code to match
// the active code and not be expired; the code is then consumed (single
// use). The verify-and-consume step is the only section held under lock —
// it never spans the network send below.
func (m *Manager) HandlePairingRequest(ctx context.Context, pendingID string, accept bool, reason string) error {
	m.mu.Lock()
	pendingReq, ok := m.pending[pendingID]
	if ok {
		delete(m.pending, pendingID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pairing: no pending request %q", pendingID)
	}

	var result overlay.PairingResult
	if accept {
		if pendingReq.Request.Method.Code != "" {
			if err := m.verifyAndConsumeCode(pendingReq.Request.Method.Code); err != nil {
				result = overlay.PairingResult{Success: false, Reason: err.Error()}
				return m.sendPairingResponse(ctx, pendingID, result)
			}
		}
		result = overlay.PairingResult{Success: true}
	} else {
		result = overlay.PairingResult{Success: false, Reason: reason}
	}

	if err := m.sendPairingResponse(ctx, pendingID, result); err != nil {
		return err
	}

	if result.Success {
		return m.addPairedDevice(pendingReq.PeerID, pendingReq.Request.OSInfo)
	}
	return nil
}

func (m *Manager) sendPairingResponse(ctx context.Context, pendingID string, result overlay.PairingResult) error {
	return m.client.SendResponse(ctx, pendingID, overlay.Response{PairingResult: &result})
}

// verifyAndConsumeCode is the short critical section the design calls out
// explicitly: it must end before any await on network I/O.
func (m *Manager) verifyAndConsumeCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNoActiveCode
	}
	if m.active.consumed || m.active.code != code {
		return ErrInvalidCode
	}
	if time.Now().After(m.active.expiresAt) {
		return ErrExpiredCode
	}
	m.active.consumed = true
	return nil
}

func (m *Manager) addPairedDevice(peerID string, osInfo overlay.OSInfo) error {
	d := PairedDevice{PeerID: peerID, OSInfo: osInfo, PairedAt: time.Now()}
	if err := m.store.Add(d); err != nil {
		return fmt.Errorf("pairing: persist paired device: %w", err)
	}
	if m.OnPairedDeviceAdded != nil {
		m.OnPairedDeviceAdded(d)
	}
	return nil
}

// RemovePairedDevice deletes a peer from the persistent set.
func (m *Manager) RemovePairedDevice(peerID string) error {
	return m.store.Remove(peerID)
}

// AnnounceOnline publishes this node's online record.
func (m *Manager) AnnounceOnline(ctx context.Context, listenAddrs []string) error {
	return presence.AnnounceOnline(ctx, m.client, m.selfPeerID, m.selfOS, listenAddrs)
}

// AnnounceOffline removes this node's online record.
func (m *Manager) AnnounceOffline(ctx context.Context) error {
	return presence.AnnounceOffline(ctx, m.client, m.selfPeerID)
}

// CheckPairedOnline walks the paired set after DHT bootstrap and, for every
// peer whose online record is found, registers its addresses and dials it.
// Failures are logged by the caller and otherwise ignored.
func (m *Manager) CheckPairedOnline(ctx context.Context, onErr func(peerID string, err error)) {
	devices, err := m.store.List()
	if err != nil {
		if onErr != nil {
			onErr("", err)
		}
		return
	}
	for _, d := range devices {
		rec, err := presence.LookupOnline(ctx, m.client, d.PeerID)
		if err != nil {
			if onErr != nil {
				onErr(d.PeerID, err)
			}
			continue
		}
		if err := m.client.AddPeerAddrs(d.PeerID, rec.ListenAddrs); err != nil {
			if onErr != nil {
				onErr(d.PeerID, err)
			}
			continue
		}
		if err := m.client.Dial(ctx, d.PeerID); err != nil && onErr != nil {
			onErr(d.PeerID, err)
		}
	}
}

func placeholderOSInfo(peerID string) overlay.OSInfo {
	short := peerID
	if len(short) > 8 {
		short = short[:8]
	}
	return overlay.OSInfo{Hostname: short, OS: "unknown", Platform: "unknown", Arch: "unknown"}
}
