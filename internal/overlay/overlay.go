// Package overlay defines the narrow contract the core consumes from the
// generic P2P overlay (gossip, Kademlia DHT, relay, hole-punching). The
// overlay itself — address book, NAT traversal, request/response codec — is
// an external collaborator; this package only names the seam.
package overlay

import (
	"context"
	"time"
)

// Record is a DHT value: a replicated {key, value, publisher, expires}
// tuple, addressed by Key.
type Record struct {
	Key       []byte
	Value     []byte
	Publisher string
	Expires   time.Time
}

// Request is the sum of every application-protocol request variant the core
// may send or receive.
type Request struct {
	Pairing      *PairingRequest
	Offer        *OfferRequest
	ChunkRequest *ChunkRequestMsg
	Complete     *CompleteRequest
	Cancel       *CancelRequest
}

// Response is the sum of every application-protocol response variant.
type Response struct {
	PairingResult *PairingResult
	OfferResult   *OfferResult
	Chunk         *ChunkMsg
	Ack           *AckMsg
}

type PairingRequest struct {
	OSInfo    OSInfo
	Timestamp time.Time
	Method    PairingMethod
}

// PairingMethod is a closed sum type: exactly one of Code or Direct is set.
type PairingMethod struct {
	Code   string
	Direct bool
}

type PairingResult struct {
	Success bool
	Reason  string
}

type OSInfo struct {
	Hostname string
	OS       string
	Platform string
	Arch     string
}

type FileInfo struct {
	FileID       uint32
	Name         string
	RelativePath string
	Size         int64
	Checksum     string
}

type OfferRequest struct {
	SessionID [16]byte
	Files     []FileInfo
	TotalSize int64
}

type OfferResult struct {
	Accepted bool
	Key      *[32]byte
	Reason   string
}

type ChunkRequestMsg struct {
	SessionID  [16]byte
	FileID     uint32
	ChunkIndex uint32
}

type ChunkMsg struct {
	SessionID  [16]byte
	FileID     uint32
	ChunkIndex uint32
	Data       []byte
	IsLast     bool
}

type CompleteRequest struct {
	SessionID [16]byte
}

type AckMsg struct {
	SessionID [16]byte
}

type CancelRequest struct {
	SessionID [16]byte
	Reason    string
}

// EventKind enumerates the overlay event stream's variants.
type EventKind int

const (
	EventListening EventKind = iota
	EventNatStatusChanged
	EventRelayReservationAccepted
	EventPeersDiscovered
	EventPeerConnected
	EventPeerDisconnected
	EventIdentifyReceived
	EventPingSuccess
	EventHolePunchSucceeded
	EventHolePunchFailed
	EventInboundRequest
)

// Event is the single tagged union flowing out of the overlay's event
// stream, dispatched in arrival order by the dispatcher.
type Event struct {
	Kind EventKind

	Addr           string // Listening
	NatStatus      string // NatStatusChanged
	PublicAddr     string // NatStatusChanged
	PeerID         string // PeerConnected/Disconnected/IdentifyReceived/PingSuccess/HolePunch*/InboundRequest
	AgentVersion   string // IdentifyReceived
	RTTMillis      int64  // PingSuccess
	PendingID      string // InboundRequest
	Request        *Request
	FailureReason  string // HolePunchFailed
}

// Client is the overlay contract the core depends on. Implementations live
// outside this package (see quicoverlay for a concrete reference, and
// pipeoverlay for a zero-network test double).
type Client interface {
	SendRequest(ctx context.Context, peerID string, req Request) (Response, error)
	SendResponse(ctx context.Context, pendingID string, resp Response) error
	Dial(ctx context.Context, peerID string) error
	AddPeerAddrs(peerID string, addrs []string) error
	GetAddrs() []string
	PutRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, key []byte) (Record, error)
	RemoveRecord(ctx context.Context, key []byte) error
	Bootstrap(ctx context.Context) error
	Events() <-chan Event
}

// RequestTimeout is the overlay's default request/response timeout.
const RequestTimeout = 180 * time.Second
