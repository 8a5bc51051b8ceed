package quicoverlay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/identity"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ks := identity.NewDiskKeystore(filepath.Join(t.TempDir(), "identity.key"), "test-passphrase")
	id, err := ks.Create()
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return id
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, a, b *Client) {
	t.Helper()
	if err := a.AddPeerAddrs(b.cfg.SelfPeerID, b.GetAddrs()); err != nil {
		t.Fatalf("AddPeerAddrs: %v", err)
	}
	if err := b.AddPeerAddrs(a.cfg.SelfPeerID, a.GetAddrs()); err != nil {
		t.Fatalf("AddPeerAddrs: %v", err)
	}
}

func drainUntil(t *testing.T, c *Client, kind overlay.EventKind) overlay.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestDialEstablishesMatchingSessionKeys(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)

	a := newTestClient(t, Config{SelfPeerID: idA.PeerID, Identity: idA, AgentVersion: "swarmdrop/test-a"})
	b := newTestClient(t, Config{SelfPeerID: idB.PeerID, Identity: idB, AgentVersion: "swarmdrop/test-b"})
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Dial(ctx, idB.PeerID); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	drainUntil(t, a, overlay.EventPeerConnected)
	drainUntil(t, b, overlay.EventPeerConnected)

	keyA, ok := a.SessionKey(idB.PeerID)
	if !ok {
		t.Fatal("dialer has no session key")
	}
	keyB, ok := b.SessionKey(idA.PeerID)
	if !ok {
		t.Fatal("acceptor has no session key")
	}
	if keyA != keyB {
		t.Fatal("derived session keys do not match")
	}
}

func TestDialRejectsSpoofedPeerID(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)

	a := newTestClient(t, Config{SelfPeerID: idA.PeerID, Identity: idA})
	b := newTestClient(t, Config{SelfPeerID: idB.PeerID, Identity: idB})
	connect(t, a, b)

	// Register B's address under a different peer id so the dial reaches B
	// and it is the hello's peer id check that rejects it.
	if err := a.AddPeerAddrs("not-"+idB.PeerID, b.GetAddrs()); err != nil {
		t.Fatalf("AddPeerAddrs: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Dial(ctx, "not-"+idB.PeerID); err == nil {
		t.Fatal("expected peer id mismatch error")
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	idA := newTestIdentity(t)
	idB := newTestIdentity(t)

	a := newTestClient(t, Config{SelfPeerID: idA.PeerID, Identity: idA})
	b := newTestClient(t, Config{SelfPeerID: idB.PeerID, Identity: idB})
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respCh := make(chan overlay.Response, 1)
	go func() {
		resp, err := a.SendRequest(ctx, idB.PeerID, overlay.Request{
			Pairing: &overlay.PairingRequest{OSInfo: overlay.OSInfo{Hostname: "a"}},
		})
		if err == nil {
			respCh <- resp
		}
	}()

	ev := drainUntil(t, b, overlay.EventInboundRequest)
	if ev.Request == nil || ev.Request.Pairing == nil {
		t.Fatalf("unexpected inbound request: %+v", ev)
	}
	if err := b.SendResponse(ctx, ev.PendingID, overlay.Response{
		PairingResult: &overlay.PairingResult{Success: true},
	}); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	select {
	case resp := <-respCh:
		if resp.PairingResult == nil || !resp.PairingResult.Success {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("requester never got a response")
	}
}

func TestRecordsForwardToRendezvous(t *testing.T) {
	idRendezvous := newTestIdentity(t)
	idA := newTestIdentity(t)

	rendezvous := newTestClient(t, Config{SelfPeerID: idRendezvous.PeerID, Identity: idRendezvous})
	a := newTestClient(t, Config{
		SelfPeerID:       idA.PeerID,
		Identity:         idA,
		RendezvousAddr:   rendezvous.GetAddrs()[0],
		RendezvousPeerID: idRendezvous.PeerID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	rec := overlay.Record{Key: []byte("k"), Value: []byte("v"), Publisher: idA.PeerID}
	if err := a.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err := a.GetRecord(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if string(got.Value) != "v" {
		t.Fatalf("got = %+v", got)
	}

	if _, ok := rendezvous.localGet([]byte("k")); !ok {
		t.Fatal("record was not actually stored at the rendezvous")
	}

	if err := a.RemoveRecord(ctx, []byte("k")); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if _, err := a.GetRecord(ctx, []byte("k")); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound after remove, got %v", err)
	}
}
