package pairing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/overlay/pipeoverlay"
)

func newTestManager(t *testing.T, client overlay.Client, peerID string) *Manager {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(client, store, peerID, overlay.OSInfo{Hostname: peerID, OS: "linux", Platform: "desktop", Arch: "amd64"})
}

// serveOneInboundPairingRequest waits for a single inbound pairing request on
// responder's event channel, caches it, and auto-decides it according to
// accept, returning once HandlePairingRequest has been issued.
func serveOneInboundPairingRequest(t *testing.T, responder *Manager, events <-chan overlay.Event, accept bool, reason string) {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Kind != overlay.EventInboundRequest || ev.Request == nil || ev.Request.Pairing == nil {
			t.Fatalf("unexpected event: %+v", ev)
		}
		responder.CacheInboundRequest(ev.PendingID, ev.PeerID, *ev.Request.Pairing)
		if err := responder.HandlePairingRequest(context.Background(), ev.PendingID, accept, reason); err != nil {
			t.Fatalf("HandlePairingRequest: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound pairing request")
	}
}

func TestPairingSingleUseCode(t *testing.T) {
	clientA, clientB := pipeoverlay.Pair("peerA", "peerB")
	a := newTestManager(t, clientA, "peerA")
	b := newTestManager(t, clientB, "peerB")
	ctx := context.Background()

	code, err := b.GenerateCode(ctx, 0, []string{"/ip4/127.0.0.1/tcp/4001"})
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	peerID, _, _, err := a.GetDeviceInfo(ctx, code)
	if err != nil {
		t.Fatalf("GetDeviceInfo: %v", err)
	}
	if peerID != "peerB" {
		t.Fatalf("peerID = %q, want peerB", peerID)
	}

	done := make(chan struct{})
	go func() {
		serveOneInboundPairingRequest(t, b, clientB.Events(), true, "")
		close(done)
	}()

	result, err := a.RequestPairing(ctx, peerID, overlay.PairingMethod{Code: code}, nil)
	<-done
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if !result.Success {
		t.Fatalf("pairing rejected: %s", result.Reason)
	}
	if !b.store.IsPaired("peerA") {
		t.Fatal("responder did not persist paired device")
	}
	if !a.store.IsPaired("peerB") {
		t.Fatal("requester did not persist paired device")
	}

	// Single use: attempting to resolve the same code again must fail because
	// the responder's active code has already been consumed. The DHT record
	// itself is unaffected; what is exercised here is verifyAndConsumeCode.
	if err := b.verifyAndConsumeCode(code); err == nil {
		t.Fatal("expected second use of the same code to be rejected")
	}
}

func TestPairingRejection(t *testing.T) {
	clientA, clientB := pipeoverlay.Pair("peerA", "peerB")
	a := newTestManager(t, clientA, "peerA")
	b := newTestManager(t, clientB, "peerB")
	ctx := context.Background()

	code, err := b.GenerateCode(ctx, 0, nil)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	peerID, _, _, err := a.GetDeviceInfo(ctx, code)
	if err != nil {
		t.Fatalf("GetDeviceInfo: %v", err)
	}

	done := make(chan struct{})
	go func() {
		serveOneInboundPairingRequest(t, b, clientB.Events(), false, "declined by user")
		close(done)
	}()

	result, err := a.RequestPairing(ctx, peerID, overlay.PairingMethod{Code: code}, nil)
	<-done
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if result.Success {
		t.Fatal("expected rejection")
	}
	if result.Reason != "declined by user" {
		t.Fatalf("Reason = %q, want %q", result.Reason, "declined by user")
	}
	if a.store.IsPaired("peerB") || b.store.IsPaired("peerA") {
		t.Fatal("rejected pairing must not persist either side")
	}
}

func TestCodeExpiry(t *testing.T) {
	clientA, clientB := pipeoverlay.Pair("peerA", "peerB")
	a := newTestManager(t, clientA, "peerA")
	b := newTestManager(t, clientB, "peerB")
	ctx := context.Background()

	code, err := b.GenerateCode(ctx, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, _, _, err := a.GetDeviceInfo(ctx, code); err != ErrExpiredCode {
		t.Fatalf("GetDeviceInfo error = %v, want ErrExpiredCode", err)
	}
}

func TestVerifyAndConsumeCodeRejectsWrongCode(t *testing.T) {
	clientA, _ := pipeoverlay.Pair("peerA", "peerB")
	m := newTestManager(t, clientA, "peerA")
	ctx := context.Background()

	if _, err := m.GenerateCode(ctx, 0, nil); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := m.verifyAndConsumeCode("000000"); err == nil {
		t.Fatal("expected wrong code to be rejected")
	}
}

func TestCheckPairedOnlineDialsKnownPeers(t *testing.T) {
	clientA, clientB := pipeoverlay.Pair("peerA", "peerB")
	a := newTestManager(t, clientA, "peerA")
	b := newTestManager(t, clientB, "peerB")
	ctx := context.Background()

	if err := a.store.Add(PairedDevice{PeerID: "peerB", PairedAt: time.Now()}); err != nil {
		t.Fatalf("seed paired device: %v", err)
	}
	if err := b.AnnounceOnline(ctx, []string{"/ip4/127.0.0.1/tcp/4001"}); err != nil {
		t.Fatalf("AnnounceOnline: %v", err)
	}

	var errs []error
	a.CheckPairedOnline(ctx, func(peerID string, err error) { errs = append(errs, err) })
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	select {
	case ev := <-clientB.Events():
		if ev.Kind != overlay.EventPeerConnected {
			t.Fatalf("unexpected event kind: %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("responder never observed a dial")
	}
}
