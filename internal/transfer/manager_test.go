package transfer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/fileio/source"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/overlay/pipeoverlay"
	"github.com/swarmdrop/swarmdrop/internal/progress"
	"github.com/swarmdrop/swarmdrop/internal/workerpool"
)

type recordingEvents struct {
	mu        sync.Mutex
	offers    []PendingOffer
	progress  []progress.Snapshot
	completes []string
	failures  []string
}

func (r *recordingEvents) PrepareProgress(string, string, int, int, int64, int64) {}
func (r *recordingEvents) TransferOffer(offer PendingOffer, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, offer)
}
func (r *recordingEvents) TransferProgress(s progress.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, s)
}
func (r *recordingEvents) TransferComplete(_ [16]byte, direction string, _ int64, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, direction)
}
func (r *recordingEvents) TransferFailed(_ [16]byte, direction string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, direction+":"+reason)
}

// harness wires a full sender (node A) and receiver (node B) pair over
// pipeoverlay with a background loop on each node: A's answers
// ChunkRequest/Complete/Cancel, B's accepts every Offer and drives the
// receive session.
type harness struct {
	t          *testing.T
	clientA    *pipeoverlay.Client
	clientB    *pipeoverlay.Client
	mgrA       *Manager
	mgrB       *Manager
	sender     *Sender
	receiver   *Receiver
	eventsB    *recordingEvents
	saveDir    string
	stop       chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clientA, clientB := pipeoverlay.Pair("peerA", "peerB")

	poolA := workerpool.New(2, 4)
	poolB := workerpool.New(2, 4)
	t.Cleanup(func() { poolA.Stop(); poolB.Stop() })

	srcA := source.New(poolA, nil)
	sinkA := sink.New(poolA)
	sinkB := sink.New(poolB)

	eventsA := &recordingEvents{}
	eventsB := &recordingEvents{}

	mgrA := NewManager(clientA, srcA, sinkA, "peerA", eventsA, func(string) bool { return true })
	mgrB := NewManager(clientB, source.New(poolB, nil), sinkB, "peerB", eventsB, func(string) bool { return true })

	h := &harness{
		t:        t,
		clientA:  clientA,
		clientB:  clientB,
		mgrA:     mgrA,
		mgrB:     mgrB,
		sender:   NewSender(srcA),
		receiver: NewReceiver(clientB, sinkB, poolB),
		eventsB:  eventsB,
		saveDir:  t.TempDir(),
		stop:     make(chan struct{}),
	}
	go h.serveA()
	go h.serveB()
	t.Cleanup(func() { close(h.stop) })
	return h
}

// serveA answers node A's role as sender: ChunkRequest/Complete/Cancel.
func (h *harness) serveA() {
	for {
		select {
		case ev := <-h.clientA.Events():
			if ev.Kind != overlay.EventInboundRequest || ev.Request == nil {
				continue
			}
			req := ev.Request
			switch {
			case req.ChunkRequest != nil:
				sess, ok := h.mgrA.SendSession(req.ChunkRequest.SessionID)
				if !ok {
					h.clientA.SendResponse(context.Background(), ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{}})
					continue
				}
				msg, err := h.sender.HandleChunkRequest(context.Background(), sess, req.ChunkRequest.FileID, req.ChunkRequest.ChunkIndex)
				if err != nil {
					h.clientA.SendResponse(context.Background(), ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{}})
					continue
				}
				h.clientA.SendResponse(context.Background(), ev.PendingID, overlay.Response{Chunk: msg})
			case req.Complete != nil:
				h.clientA.SendResponse(context.Background(), ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{SessionID: req.Complete.SessionID}})
				h.mgrA.RemoveSendSession(req.Complete.SessionID)
			case req.Cancel != nil:
				if sess, ok := h.mgrA.SendSession(req.Cancel.SessionID); ok {
					sess.Cancel()
				}
				h.clientA.SendResponse(context.Background(), ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{}})
			}
		case <-h.stop:
			return
		}
	}
}

// serveB answers node B's role as the offer recipient: auto-accepts every
// Offer into saveDir and spawns the receiver pull task.
func (h *harness) serveB() {
	for {
		select {
		case ev := <-h.clientB.Events():
			if ev.Kind != overlay.EventInboundRequest || ev.Request == nil {
				continue
			}
			req := ev.Request
			if req.Offer == nil {
				continue
			}
			files := make([]FileInfo, len(req.Offer.Files))
			for i, f := range req.Offer.Files {
				files[i] = FileInfo{FileID: f.FileID, Name: f.Name, RelativePath: f.RelativePath, Size: f.Size, Checksum: f.Checksum}
			}
			h.mgrB.CacheOffer(ev.PendingID, PendingOffer{
				PendingID: ev.PendingID,
				PeerID:    ev.PeerID,
				SessionID: req.Offer.SessionID,
				Files:     files,
				TotalSize: req.Offer.TotalSize,
			})
			sess, err := h.mgrB.AcceptAndStartReceive(context.Background(), ev.PendingID, sink.LocalDirectory(h.saveDir))
			if err != nil {
				h.t.Errorf("AcceptAndStartReceive: %v", err)
				continue
			}
			go h.receiver.Run(context.Background(), sess, h.eventsB, func() { h.mgrB.RemoveReceiveSession(sess.SessionID) })
		case <-h.stop:
			return
		}
	}
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestHappyPathSingleFile(t *testing.T) {
	h := newHarness(t)
	content := []byte("hello swarmdrop")
	path := writeTempFile(t, "hello.txt", content)

	pt, err := h.mgrA.Prepare(context.Background(), []PrepareEntry{
		{Name: "hello.txt", RelativePath: "hello.txt", Source: source.NativePath(path), Size: int64(len(content))},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	result, err := h.mgrA.SendOffer(context.Background(), pt.PreparedID, "peerB", nil)
	if err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("offer not accepted: %s", result.Reason)
	}

	deadline := time.After(3 * time.Second)
	for {
		h.eventsB.mu.Lock()
		done := len(h.eventsB.completes) > 0 || len(h.eventsB.failures) > 0
		h.eventsB.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for transfer completion")
		case <-time.After(10 * time.Millisecond):
		}
	}

	h.eventsB.mu.Lock()
	defer h.eventsB.mu.Unlock()
	if len(h.eventsB.failures) > 0 {
		t.Fatalf("transfer failed: %v", h.eventsB.failures)
	}
	if len(h.eventsB.completes) != 1 || h.eventsB.completes[0] != "receive" {
		t.Fatalf("completes = %v", h.eventsB.completes)
	}

	got, err := os.ReadFile(filepath.Join(h.saveDir, "hello.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content = %q, want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(h.saveDir, "hello.txt.part")); !os.IsNotExist(err) {
		t.Fatal("part file sibling should not exist after finalize")
	}
}

func TestMultiChunkFile(t *testing.T) {
	h := newHarness(t)
	content := make([]byte, 512*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	path := writeTempFile(t, "blob.bin", content)

	pt, err := h.mgrA.Prepare(context.Background(), []PrepareEntry{
		{Name: "blob.bin", RelativePath: "blob.bin", Source: source.NativePath(path), Size: int64(len(content))},
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	result, err := h.mgrA.SendOffer(context.Background(), pt.PreparedID, "peerB", nil)
	if err != nil || !result.Accepted {
		t.Fatalf("SendOffer: %v, %+v", err, result)
	}

	deadline := time.After(5 * time.Second)
	for {
		h.eventsB.mu.Lock()
		done := len(h.eventsB.completes) > 0 || len(h.eventsB.failures) > 0
		h.eventsB.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got, err := os.ReadFile(filepath.Join(h.saveDir, "blob.bin"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("received content mismatch")
	}
}

func TestTotalChunksLaw(t *testing.T) {
	cases := []struct {
		size int64
		want uint32
	}{
		{0, 1}, {1, 1}, {CHUNK, 1}, {CHUNK + 1, 2}, {CHUNK * 3, 3},
	}
	for _, c := range cases {
		if got := totalChunks(c.size); got != c.want {
			t.Errorf("totalChunks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestChunkRetryBackoffCapped(t *testing.T) {
	if d := chunkRetryBackoff(1); d != 500*time.Millisecond {
		t.Errorf("attempt 1 = %v, want 500ms", d)
	}
	if d := chunkRetryBackoff(2); d != 1000*time.Millisecond {
		t.Errorf("attempt 2 = %v, want 1000ms", d)
	}
	if d := chunkRetryBackoff(3); d != 2000*time.Millisecond {
		t.Errorf("attempt 3 = %v, want 2000ms (capped)", d)
	}
}
