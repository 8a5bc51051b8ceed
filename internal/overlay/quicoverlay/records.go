package quicoverlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// ErrRecordNotFound is returned by GetRecord when the key is unknown, both
// locally and (when forwarding) at the rendezvous peer.
var ErrRecordNotFound = errors.New("quicoverlay: record not found")

func (c *Client) isRendezvousSelf() bool {
	return c.cfg.RendezvousPeerID == "" || c.cfg.RendezvousPeerID == c.cfg.SelfPeerID
}

func (c *Client) localPut(rec overlay.Record) {
	c.recordsMu.Lock()
	c.records[string(rec.Key)] = rec
	c.recordsMu.Unlock()
}

func (c *Client) localGet(key []byte) (overlay.Record, bool) {
	c.recordsMu.RLock()
	defer c.recordsMu.RUnlock()
	rec, ok := c.records[string(key)]
	return rec, ok
}

func (c *Client) localRemove(key []byte) {
	c.recordsMu.Lock()
	delete(c.records, string(key))
	c.recordsMu.Unlock()
}

// PutRecord stores a record locally if this Client is the rendezvous,
// otherwise forwards it there over QUIC.
func (c *Client) PutRecord(ctx context.Context, record overlay.Record) error {
	if c.isRendezvousSelf() {
		c.localPut(record)
		return nil
	}
	_, err := c.rendezvousRoundTrip(ctx, frameRecordPut, record)
	return err
}

// GetRecord looks a record up locally if this Client is the rendezvous,
// otherwise forwards the lookup there over QUIC.
func (c *Client) GetRecord(ctx context.Context, key []byte) (overlay.Record, error) {
	if c.isRendezvousSelf() {
		rec, ok := c.localGet(key)
		if !ok {
			return overlay.Record{}, ErrRecordNotFound
		}
		return rec, nil
	}

	data, err := c.rendezvousRoundTrip(ctx, frameRecordGet, recordKeyFrame{Key: key})
	if err != nil {
		return overlay.Record{}, err
	}
	var result recordGetResultFrame
	if err := unmarshalFrame(data, &result); err != nil {
		return overlay.Record{}, err
	}
	if !result.Found {
		return overlay.Record{}, ErrRecordNotFound
	}
	return result.Record, nil
}

// RemoveRecord deletes a record locally if this Client is the rendezvous,
// otherwise forwards the removal there over QUIC.
func (c *Client) RemoveRecord(ctx context.Context, key []byte) error {
	if c.isRendezvousSelf() {
		c.localRemove(key)
		return nil
	}
	_, err := c.rendezvousRoundTrip(ctx, frameRecordRemove, recordKeyFrame{Key: key})
	return err
}

// rendezvousRoundTrip opens a fresh stream to the rendezvous peer, sends one
// frame, and returns the raw reply frame's payload.
func (c *Client) rendezvousRoundTrip(ctx context.Context, kind frameKind, payload any) ([]byte, error) {
	peerID := c.cfg.RendezvousPeerID
	if _, ok := c.connFor(peerID); !ok {
		if err := c.Dial(ctx, peerID); err != nil {
			return nil, fmt.Errorf("quicoverlay: dial rendezvous: %w", err)
		}
	}
	conn, ok := c.connFor(peerID)
	if !ok {
		return nil, ErrNoAddress
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicoverlay: open rendezvous stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, kind, payload); err != nil {
		return nil, fmt.Errorf("quicoverlay: send rendezvous request: %w", err)
	}

	replyKind, data, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("quicoverlay: read rendezvous reply: %w", err)
	}
	if replyKind != frameRecordGetResult && replyKind != frameAck {
		return nil, errUnexpectedFrame
	}
	return data, nil
}
