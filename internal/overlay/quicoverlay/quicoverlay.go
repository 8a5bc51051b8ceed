// Package quicoverlay is a reference overlay.Client implementation over
// QUIC (github.com/quic-go/quic-go). It is deliberately minimal: a fixed
// dial list instead of Kademlia peer routing, a single designated
// rendezvous peer instead of a replicated DHT, and no NAT traversal or
// hole-punching. It exists so the rest of the core has something real to
// run against — the same role quic_connection.go and control_stream.go play
// in the teacher codebase this package is adapted from.
package quicoverlay

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/swarmdrop/swarmdrop/internal/identity"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// ErrNoAddress is returned by Dial and SendRequest when no address is known
// for the target peer.
var ErrNoAddress = errors.New("quicoverlay: no known address for peer")

// ErrNoPendingRequest is returned by SendResponse when pendingID names no
// inbound request still awaiting a reply.
var ErrNoPendingRequest = errors.New("quicoverlay: no pending request")

var quicConfig = &quic.Config{
	KeepAlivePeriod:                10 * time.Second,
	MaxIdleTimeout:                 60 * time.Second,
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// Config configures one Client.
type Config struct {
	SelfPeerID   string
	ListenAddr   string // e.g. "0.0.0.0:0"; empty defaults to "127.0.0.1:0"
	AgentVersion string

	// Identity, if set, is used to sign the per-connection ECDH handshake
	// and to bind peer ids to long-term keys. Nil disables that binding;
	// connections still run the ECDH exchange but accept any peer id.
	Identity *identity.Identity

	// RendezvousAddr, if set, is a fixed address of a peer that stores
	// records on behalf of every peer dialed into it. Leave empty to have
	// this Client serve its own PutRecord/GetRecord/RemoveRecord calls
	// locally (appropriate for the node acting as the rendezvous itself).
	RendezvousAddr   string
	RendezvousPeerID string
}

// Client is a QUIC-backed overlay.Client.
type Client struct {
	cfg       Config
	listener  *quic.Listener
	events    chan overlay.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	peerAddrs map[string][]string
	conns     map[string]*quic.Conn

	pendingMu sync.Mutex
	pending   map[string]*quic.Stream

	sessionMu sync.RWMutex
	sessions  map[string][32]byte

	recordsMu sync.RWMutex
	records   map[string]overlay.Record

	nextID atomic.Uint64
}

// New starts listening and returns a ready Client. The caller should call
// Bootstrap afterwards to reach the configured rendezvous peer, if any.
func New(cfg Config) (*Client, error) {
	if cfg.SelfPeerID == "" {
		return nil, errors.New("quicoverlay: SelfPeerID is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicoverlay: listen: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		listener:  listener,
		events:    make(chan overlay.Event, 256),
		closed:    make(chan struct{}),
		peerAddrs: make(map[string][]string),
		conns:     make(map[string]*quic.Conn),
		pending:   make(map[string]*quic.Stream),
		sessions:  make(map[string][32]byte),
		records:   make(map[string]overlay.Record),
	}
	if cfg.RendezvousAddr != "" && cfg.RendezvousPeerID != "" {
		c.peerAddrs[cfg.RendezvousPeerID] = []string{cfg.RendezvousAddr}
	}

	go c.acceptConnections()
	c.emit(overlay.Event{Kind: overlay.EventListening, Addr: listener.Addr().String()})
	return c, nil
}

// Close shuts the listener and every open connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	for _, conn := range c.conns {
		conn.CloseWithError(0, "client closing")
	}
	c.mu.Unlock()
	return c.listener.Close()
}

func (c *Client) emit(ev overlay.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) Events() <-chan overlay.Event { return c.events }

func (c *Client) GetAddrs() []string {
	return []string{c.listener.Addr().String()}
}

func (c *Client) AddPeerAddrs(peerID string, addrs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerAddrs[peerID] = append(append([]string(nil), c.peerAddrs[peerID]...), addrs...)
	return nil
}

// Bootstrap dials the configured rendezvous peer, if any. It is a no-op
// when none is configured.
func (c *Client) Bootstrap(ctx context.Context) error {
	if c.cfg.RendezvousAddr == "" || c.cfg.RendezvousPeerID == "" {
		return nil
	}
	return c.Dial(ctx, c.cfg.RendezvousPeerID)
}

func (c *Client) connFor(peerID string) (*quic.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[peerID]
	return conn, ok
}

// Dial establishes (or reuses) a QUIC connection to peerID, running the
// hello/handshake exchange on stream 0.
func (c *Client) Dial(ctx context.Context, peerID string) error {
	if conn, ok := c.connFor(peerID); ok && conn.Context().Err() == nil {
		return nil
	}

	c.mu.Lock()
	addrs := append([]string(nil), c.peerAddrs[peerID]...)
	c.mu.Unlock()
	if len(addrs) == 0 {
		return ErrNoAddress
	}

	conn, err := quic.DialAddr(ctx, addrs[0], clientTLSConfig(), quicConfig)
	if err != nil {
		return fmt.Errorf("quicoverlay: dial %s: %w", peerID, err)
	}

	stream0, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "handshake failed")
		return fmt.Errorf("quicoverlay: open handshake stream: %w", err)
	}

	peerHello, err := c.runHandshake(stream0, true)
	stream0.Close()
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return err
	}
	if peerHello.PeerID != peerID {
		conn.CloseWithError(1, "peer id mismatch")
		return fmt.Errorf("quicoverlay: dialed %q but peer identified as %q", peerID, peerHello.PeerID)
	}

	c.mu.Lock()
	c.conns[peerID] = conn
	c.mu.Unlock()

	c.emit(overlay.Event{Kind: overlay.EventPeerConnected, PeerID: peerID})
	if peerHello.AgentVersion != "" {
		c.emit(overlay.Event{Kind: overlay.EventIdentifyReceived, PeerID: peerID, AgentVersion: peerHello.AgentVersion})
	}

	go c.acceptStreams(conn, peerID)
	return nil
}

func (c *Client) acceptConnections() {
	for {
		conn, err := c.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			return
		}
		go c.handleInboundConn(conn)
	}
}

func (c *Client) handleInboundConn(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), overlay.RequestTimeout)
	defer cancel()

	stream0, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "handshake stream not opened")
		return
	}

	peerHello, err := c.runHandshake(stream0, false)
	stream0.Close()
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return
	}

	c.mu.Lock()
	c.conns[peerHello.PeerID] = conn
	c.mu.Unlock()

	c.emit(overlay.Event{Kind: overlay.EventPeerConnected, PeerID: peerHello.PeerID})
	if peerHello.AgentVersion != "" {
		c.emit(overlay.Event{Kind: overlay.EventIdentifyReceived, PeerID: peerHello.PeerID, AgentVersion: peerHello.AgentVersion})
	}

	c.acceptStreams(conn, peerHello.PeerID)
}

// runHandshake exchanges hello frames over stream0, verifies the peer's
// signature over its ephemeral key when the peer presented an identity key,
// and derives and caches a forward-secret session key whenever the peer sent
// an ephemeral key.
// dialed reports whether this side opened the connection (purely
// informational; the exchange itself is symmetric).
func (c *Client) runHandshake(stream *quic.Stream, dialed bool) (helloFrame, error) {
	eph, err := newEphemeralKeyPair()
	if err != nil {
		return helloFrame{}, err
	}

	ours := helloFrame{
		PeerID:       c.cfg.SelfPeerID,
		AgentVersion: c.cfg.AgentVersion,
		EphemeralPub: eph.publicBytes(),
	}
	if c.cfg.Identity != nil {
		ours.IdentityPub = append([]byte(nil), c.cfg.Identity.PublicKey...)
		ours.Signature = signEphemeral(c.cfg.Identity.PrivateKey, ours.EphemeralPub)
	}

	if dialed {
		if err := writeFrame(stream, frameHello, ours); err != nil {
			return helloFrame{}, fmt.Errorf("quicoverlay: send hello: %w", err)
		}
	}

	data, err := readFrameExpect(stream, frameHello)
	if err != nil {
		return helloFrame{}, fmt.Errorf("quicoverlay: read hello: %w", err)
	}
	var theirs helloFrame
	if err := unmarshalFrame(data, &theirs); err != nil {
		return helloFrame{}, err
	}

	if !dialed {
		if err := writeFrame(stream, frameHello, ours); err != nil {
			return helloFrame{}, fmt.Errorf("quicoverlay: send hello: %w", err)
		}
	}

	if len(theirs.IdentityPub) == ed25519.PublicKeySize && len(theirs.Signature) > 0 {
		if err := verifyEphemeral(theirs.PeerID, theirs.IdentityPub, theirs.EphemeralPub, theirs.Signature); err != nil {
			return helloFrame{}, err
		}
	}
	if len(theirs.EphemeralPub) > 0 {
		key, err := deriveSessionKey(eph, theirs.EphemeralPub)
		if err == nil {
			c.sessionMu.Lock()
			c.sessions[theirs.PeerID] = key
			c.sessionMu.Unlock()
		}
	}

	return theirs, nil
}

// SessionKey returns the forward-secret key derived with peerID's
// connection, if the peer sent an ephemeral key during the handshake. A key
// is cached whether or not the peer presented an identity key.
func (c *Client) SessionKey(peerID string) ([32]byte, bool) {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	key, ok := c.sessions[peerID]
	return key, ok
}

func (c *Client) acceptStreams(conn *quic.Conn, peerID string) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.conns[peerID] == conn {
				delete(c.conns, peerID)
			}
			c.mu.Unlock()
			c.emit(overlay.Event{Kind: overlay.EventPeerDisconnected, PeerID: peerID})
			return
		}
		go c.handleStream(stream, peerID)
	}
}

func (c *Client) handleStream(stream *quic.Stream, peerID string) {
	kind, data, err := readFrame(stream)
	if err != nil {
		return
	}

	switch kind {
	case frameAppRequest:
		var req overlay.Request
		if err := unmarshalFrame(data, &req); err != nil {
			return
		}
		pendingID := fmt.Sprintf("%s-%d", peerID, c.nextID.Add(1))
		c.pendingMu.Lock()
		c.pending[pendingID] = stream
		c.pendingMu.Unlock()
		c.emit(overlay.Event{Kind: overlay.EventInboundRequest, PeerID: peerID, PendingID: pendingID, Request: &req})

	case frameRecordPut:
		var rec overlay.Record
		if err := unmarshalFrame(data, &rec); err == nil {
			c.localPut(rec)
		}
		writeFrame(stream, frameAck, ackFrame{})
		stream.Close()

	case frameRecordGet:
		var key recordKeyFrame
		if err := unmarshalFrame(data, &key); err != nil {
			stream.Close()
			return
		}
		rec, found := c.localGet(key.Key)
		writeFrame(stream, frameRecordGetResult, recordGetResultFrame{Found: found, Record: rec})
		stream.Close()

	case frameRecordRemove:
		var key recordKeyFrame
		if err := unmarshalFrame(data, &key); err == nil {
			c.localRemove(key.Key)
		}
		writeFrame(stream, frameAck, ackFrame{})
		stream.Close()

	default:
		stream.Close()
	}
}

// SendRequest opens a fresh stream to peerID, dialing first if needed, and
// blocks for the matching response.
func (c *Client) SendRequest(ctx context.Context, peerID string, req overlay.Request) (overlay.Response, error) {
	if _, ok := c.connFor(peerID); !ok {
		if err := c.Dial(ctx, peerID); err != nil {
			return overlay.Response{}, err
		}
	}
	conn, ok := c.connFor(peerID)
	if !ok {
		return overlay.Response{}, ErrNoAddress
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return overlay.Response{}, fmt.Errorf("quicoverlay: open request stream: %w", err)
	}
	if err := writeFrame(stream, frameAppRequest, req); err != nil {
		return overlay.Response{}, fmt.Errorf("quicoverlay: send request: %w", err)
	}

	type result struct {
		resp overlay.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := readFrameExpect(stream, frameAppResponse)
		if err != nil {
			done <- result{err: fmt.Errorf("quicoverlay: read response: %w", err)}
			return
		}
		var resp overlay.Response
		done <- result{resp: resp, err: unmarshalFrame(data, &resp)}
	}()

	select {
	case r := <-done:
		stream.Close()
		return r.resp, r.err
	case <-ctx.Done():
		stream.CancelRead(0)
		return overlay.Response{}, ctx.Err()
	}
}

// SendResponse replies on the stream an earlier EventInboundRequest arrived
// on, identified by pendingID.
func (c *Client) SendResponse(ctx context.Context, pendingID string, resp overlay.Response) error {
	c.pendingMu.Lock()
	stream, ok := c.pending[pendingID]
	if ok {
		delete(c.pending, pendingID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}
	if err := writeFrame(stream, frameAppResponse, resp); err != nil {
		return fmt.Errorf("quicoverlay: send response: %w", err)
	}
	return stream.Close()
}

func unmarshalFrame(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("quicoverlay: decode frame: %w", err)
	}
	return nil
}
