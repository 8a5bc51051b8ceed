// Package pipeoverlay is an in-memory overlay.Client pair wired directly to
// each other over Go channels — no sockets, no DHT, no NAT traversal. It
// exists purely so tests can drive two overlay clients against each other
// without the flakiness of real network I/O.
package pipeoverlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

type dht struct {
	mu      sync.RWMutex
	records map[string]overlay.Record
}

func newDHT() *dht { return &dht{records: make(map[string]overlay.Record)} }

// Pair constructs two connected Clients, each identified by the given peer
// id, sharing one in-memory DHT.
func Pair(peerA, peerB string) (*Client, *Client) {
	shared := newDHT()
	a := &Client{
		selfPeerID: peerA,
		dht:        shared,
		events:     make(chan overlay.Event, 64),
		pending:    make(map[string]chan overlay.Response),
	}
	b := &Client{
		selfPeerID: peerB,
		dht:        shared,
		events:     make(chan overlay.Event, 64),
		pending:    make(map[string]chan overlay.Response),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Client is a test-only overlay.Client implementation; see Pair.
type Client struct {
	selfPeerID string
	peer       *Client
	dht        *dht
	events     chan overlay.Event

	mu      sync.Mutex
	pending map[string]chan overlay.Response

	nextID    atomic.Uint64
	addrsMu   sync.Mutex
	addrs     []string
	connected atomic.Bool
}

var ErrNoPeer = errors.New("pipeoverlay: peer not reachable")

func (c *Client) SendRequest(ctx context.Context, peerID string, req overlay.Request) (overlay.Response, error) {
	if c.peer == nil || peerID != c.peer.selfPeerID {
		return overlay.Response{}, ErrNoPeer
	}

	pendingID := fmt.Sprintf("%s-%d", c.selfPeerID, c.nextID.Add(1))
	ch := make(chan overlay.Response, 1)

	c.mu.Lock()
	c.pending[pendingID] = ch
	c.mu.Unlock()

	reqCopy := req
	c.peer.events <- overlay.Event{
		Kind:      overlay.EventInboundRequest,
		PeerID:    c.selfPeerID,
		PendingID: pendingID,
		Request:   &reqCopy,
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, pendingID)
		c.mu.Unlock()
		return overlay.Response{}, ctx.Err()
	}
}

func (c *Client) SendResponse(ctx context.Context, pendingID string, resp overlay.Response) error {
	if c.peer == nil {
		return ErrNoPeer
	}
	c.peer.mu.Lock()
	ch, ok := c.peer.pending[pendingID]
	if ok {
		delete(c.peer.pending, pendingID)
	}
	c.peer.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipeoverlay: no pending request %q", pendingID)
	}
	ch <- resp
	return nil
}

func (c *Client) Dial(ctx context.Context, peerID string) error {
	if c.peer == nil || peerID != c.peer.selfPeerID {
		return ErrNoPeer
	}
	c.connected.Store(true)
	c.peer.connected.Store(true)
	c.events <- overlay.Event{Kind: overlay.EventPeerConnected, PeerID: peerID}
	c.peer.events <- overlay.Event{Kind: overlay.EventPeerConnected, PeerID: c.selfPeerID}
	return nil
}

func (c *Client) AddPeerAddrs(peerID string, addrs []string) error { return nil }

func (c *Client) GetAddrs() []string {
	c.addrsMu.Lock()
	defer c.addrsMu.Unlock()
	return append([]string(nil), c.addrs...)
}

func (c *Client) PutRecord(ctx context.Context, record overlay.Record) error {
	c.dht.mu.Lock()
	defer c.dht.mu.Unlock()
	c.dht.records[string(record.Key)] = record
	return nil
}

func (c *Client) GetRecord(ctx context.Context, key []byte) (overlay.Record, error) {
	c.dht.mu.RLock()
	defer c.dht.mu.RUnlock()
	rec, ok := c.dht.records[string(key)]
	if !ok {
		return overlay.Record{}, fmt.Errorf("pipeoverlay: no record for key")
	}
	return rec, nil
}

func (c *Client) RemoveRecord(ctx context.Context, key []byte) error {
	c.dht.mu.Lock()
	defer c.dht.mu.Unlock()
	delete(c.dht.records, string(key))
	return nil
}

func (c *Client) Bootstrap(ctx context.Context) error { return nil }

func (c *Client) Events() <-chan overlay.Event { return c.events }
