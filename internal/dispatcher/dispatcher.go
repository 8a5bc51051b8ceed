// Package dispatcher runs the single-consumer loop over the overlay's
// ordered event stream, forwarding every event to the device manager and
// then routing it to pairing, transfer, or plain status bookkeeping,
// translating the result into outbound UI events.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/swarmdrop/swarmdrop/internal/device"
	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/observability"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/pairing"
	"github.com/swarmdrop/swarmdrop/internal/progress"
	"github.com/swarmdrop/swarmdrop/internal/transfer"
)

// Outbound UI event names, contractual per the external interface.
const (
	EventNetworkStatusChanged = "network-status-changed"
	EventDevicesChanged       = "devices-changed"
	EventPairingRequest       = "pairing-request-received"
	EventPairedDeviceAdded    = "paired-device-added"
	EventTransferOffer        = "transfer-offer"
	EventTransferProgress     = "transfer-progress"
	EventTransferComplete     = "transfer-complete"
	EventTransferFailed       = "transfer-failed"
)

// UIEvent is one named outbound event, carrying an event-specific payload.
type UIEvent struct {
	Name    string
	Payload any
}

// Notifier raises a system notification when the UI window is not focused.
// No library in this tree owns desktop notifications, so it is left as a
// pluggable seam the UI process implements; NopNotifier is the default.
type Notifier interface {
	Notify(title, body string)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

// NetworkStatus is the dispatcher-owned snapshot of listening/NAT/relay
// state. Writes happen only on the dispatcher goroutine; Snapshot takes a
// brief read lock to hand callers a copy.
type NetworkStatus struct {
	mu          sync.RWMutex
	ListenAddrs []string
	NatStatus   string
	PublicAddr  string
	RelayReady  bool
}

func (s *NetworkStatus) snapshot() NetworkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NetworkStatus{
		ListenAddrs: append([]string(nil), s.ListenAddrs...),
		NatStatus:   s.NatStatus,
		PublicAddr:  s.PublicAddr,
		RelayReady:  s.RelayReady,
	}
}

// Dispatcher owns the single logical task that drains overlay.Client.Events().
type Dispatcher struct {
	client   overlay.Client
	devices  *device.Manager
	pairing  *pairing.Manager
	paired   *pairing.Store
	transfer *transfer.Manager
	sender   *transfer.Sender
	receiver *transfer.Receiver
	log      *observability.Logger
	notifier Notifier

	status   NetworkStatus
	out      chan UIEvent
	focused  func() bool
}

// New constructs a Dispatcher. focused may be nil, meaning the UI is always
// considered focused (no notifications raised). eventBufferSize <= 0 falls
// back to 64.
func New(
	client overlay.Client,
	devices *device.Manager,
	pairingMgr *pairing.Manager,
	paired *pairing.Store,
	transferMgr *transfer.Manager,
	sender *transfer.Sender,
	receiver *transfer.Receiver,
	log *observability.Logger,
	notifier Notifier,
	eventBufferSize int,
	focused func() bool,
) *Dispatcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if eventBufferSize <= 0 {
		eventBufferSize = 64
	}
	d := &Dispatcher{
		client:   client,
		devices:  devices,
		pairing:  pairingMgr,
		paired:   paired,
		transfer: transferMgr,
		sender:   sender,
		receiver: receiver,
		log:      log,
		notifier: notifier,
		out:      make(chan UIEvent, eventBufferSize),
		focused:  focused,
	}
	pairingMgr.OnPairedDeviceAdded = func(dev pairing.PairedDevice) {
		d.emit(EventPairedDeviceAdded, dev)
	}
	return d
}

// Events returns the outbound UI event stream.
func (d *Dispatcher) Events() <-chan UIEvent {
	return d.out
}

func (d *Dispatcher) emit(name string, payload any) {
	select {
	case d.out <- UIEvent{Name: name, Payload: payload}:
	default:
		d.log.Warn(fmt.Sprintf("dispatcher: UI event channel full, dropping %s", name))
	}
}

func (d *Dispatcher) isUnfocused() bool {
	return d.focused != nil && !d.focused()
}

// Run drains the overlay event stream in arrival order until ctx is
// cancelled or the stream closes. It is the dispatcher's single logical
// task: long-running work (chunk handling, pairing verification) is handed
// to fresh goroutines so this loop never blocks.
func (d *Dispatcher) Run(ctx context.Context) {
	events := d.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.devices.HandleEvent(ev)
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventListening:
		d.status.mu.Lock()
		d.status.ListenAddrs = append(d.status.ListenAddrs, ev.Addr)
		d.status.mu.Unlock()
		d.emit(EventNetworkStatusChanged, d.status.snapshot())

	case overlay.EventNatStatusChanged:
		d.status.mu.Lock()
		d.status.NatStatus = ev.NatStatus
		d.status.PublicAddr = ev.PublicAddr
		d.status.mu.Unlock()
		d.emit(EventNetworkStatusChanged, d.status.snapshot())

	case overlay.EventRelayReservationAccepted:
		d.status.mu.Lock()
		d.status.RelayReady = true
		d.status.mu.Unlock()
		d.emit(EventNetworkStatusChanged, d.status.snapshot())

	case overlay.EventPeersDiscovered, overlay.EventPeerConnected, overlay.EventPeerDisconnected,
		overlay.EventIdentifyReceived, overlay.EventPingSuccess, overlay.EventHolePunchSucceeded:
		d.emit(EventDevicesChanged, d.devices.GetDevices(device.FilterAll))
		d.emit(EventNetworkStatusChanged, d.status.snapshot())

	case overlay.EventHolePunchFailed:
		d.log.Warn(fmt.Sprintf("dispatcher: hole punch failed for %s: %s", ev.PeerID, ev.FailureReason))

	case overlay.EventInboundRequest:
		d.dispatchInboundRequest(ctx, ev)
	}
}

func (d *Dispatcher) dispatchInboundRequest(ctx context.Context, ev overlay.Event) {
	req := ev.Request
	if req == nil {
		return
	}
	switch {
	case req.Pairing != nil:
		d.handlePairingRequest(ev, *req.Pairing)
	case req.Offer != nil:
		d.handleOffer(ctx, ev, *req.Offer)
	case req.ChunkRequest != nil:
		go d.handleChunkRequest(ctx, ev, *req.ChunkRequest)
	case req.Complete != nil:
		d.handleComplete(ctx, ev, *req.Complete)
	case req.Cancel != nil:
		d.handleCancel(ctx, ev, *req.Cancel)
	}
}

func (d *Dispatcher) handlePairingRequest(ev overlay.Event, req overlay.PairingRequest) {
	d.pairing.CacheInboundRequest(ev.PendingID, ev.PeerID, req)
	if d.isUnfocused() {
		d.notifier.Notify("Pairing request", "A device wants to pair")
	}
	d.emit(EventPairingRequest, pairing.PendingInboundRequest{PendingID: ev.PendingID, PeerID: ev.PeerID, Request: req})
}

func (d *Dispatcher) handleOffer(ctx context.Context, ev overlay.Event, offer overlay.OfferRequest) {
	if !d.paired.IsPaired(ev.PeerID) {
		if err := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{
			OfferResult: &overlay.OfferResult{Accepted: false, Reason: "not-paired"},
		}); err != nil {
			d.log.Error(err, "dispatcher: send not-paired offer result")
		}
		return
	}

	files := make([]transfer.FileInfo, len(offer.Files))
	for i, f := range offer.Files {
		files[i] = transfer.FileInfo{FileID: f.FileID, Name: f.Name, RelativePath: f.RelativePath, Size: f.Size, Checksum: f.Checksum}
	}
	pending := transfer.PendingOffer{
		PendingID: ev.PendingID,
		PeerID:    ev.PeerID,
		SessionID: offer.SessionID,
		Files:     files,
		TotalSize: offer.TotalSize,
	}
	d.transfer.CacheOffer(ev.PendingID, pending)

	name := d.resolveDisplayName(ev.PeerID)
	if d.isUnfocused() {
		d.notifier.Notify("Incoming files", name)
	}
	d.emit(EventTransferOffer, map[string]any{"offer": pending, "display_name": name})
}

// resolveDisplayName looks up a paired peer's hostname, falling back to the
// first 8 characters of its peer id.
func (d *Dispatcher) resolveDisplayName(peerID string) string {
	if dev, err := d.paired.Get(peerID); err == nil && dev.OSInfo.Hostname != "" {
		return dev.OSInfo.Hostname
	}
	return shortPeerID(peerID)
}

func (d *Dispatcher) handleChunkRequest(ctx context.Context, ev overlay.Event, req overlay.ChunkRequestMsg) {
	sess, ok := d.transfer.SendSession(req.SessionID)
	if !ok {
		d.log.Warn(fmt.Sprintf("dispatcher: chunk request for unknown session %x", req.SessionID))
		if err := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{SessionID: req.SessionID}}); err != nil {
			d.log.Error(err, "dispatcher: ack unknown-session chunk request")
		}
		return
	}

	chunk, err := d.sender.HandleChunkRequest(ctx, sess, req.FileID, req.ChunkIndex)
	if err != nil {
		d.log.Error(err, "dispatcher: chunk request handling failed")
		if sendErr := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{SessionID: req.SessionID}}); sendErr != nil {
			d.log.Error(sendErr, "dispatcher: send downgraded ack")
		}
		return
	}
	if err := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{Chunk: chunk}); err != nil {
		d.log.Error(err, "dispatcher: send chunk response")
	}
}

func (d *Dispatcher) handleComplete(ctx context.Context, ev overlay.Event, req overlay.CompleteRequest) {
	sess, ok := d.transfer.SendSession(req.SessionID)
	if ok {
		d.sender.HandleComplete(sess)
		snap := sess.Progress.Snapshot()
		elapsedMs := time.Since(sess.StartedAt).Milliseconds()
		d.transfer.RemoveSendSession(req.SessionID)
		d.emit(EventTransferComplete, map[string]any{
			"session_id":  req.SessionID,
			"direction":   "send",
			"total_bytes": snap.TransferredBytes,
			"elapsed_ms":  elapsedMs,
		})
	}
	if err := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{SessionID: req.SessionID}}); err != nil {
		d.log.Error(err, "dispatcher: ack complete")
	}
}

func (d *Dispatcher) handleCancel(ctx context.Context, ev overlay.Event, req overlay.CancelRequest) {
	if sess, ok := d.transfer.SendSession(req.SessionID); ok {
		sess.Cancel()
		d.transfer.RemoveSendSession(req.SessionID)
	}
	if sess, ok := d.transfer.ReceiveSession(req.SessionID); ok {
		sess.Cancel()
		d.transfer.RemoveReceiveSession(req.SessionID)
	}
	if err := d.client.SendResponse(ctx, ev.PendingID, overlay.Response{Ack: &overlay.AckMsg{SessionID: req.SessionID}}); err != nil {
		d.log.Error(err, "dispatcher: ack cancel")
	}
	d.emit(EventTransferFailed, map[string]any{
		"session_id": req.SessionID,
		"direction":  "unknown",
		"error":      req.Reason,
	})
}

// AcceptOffer is the command-API surface for accepting a cached inbound
// transfer offer: it authorizes the receive session and spawns the pull
// task on its own goroutine, emitting transfer-progress/complete/failed as
// it runs. Called in response to a user decision, never from Run's event
// loop directly.
func (d *Dispatcher) AcceptOffer(ctx context.Context, pendingID string, dest sink.Sink) (*transfer.ReceiveSession, error) {
	sess, err := d.transfer.AcceptAndStartReceive(ctx, pendingID, dest)
	if err != nil {
		return nil, err
	}
	sessionID := sess.SessionID
	go d.receiver.Run(ctx, sess, d, func() { d.transfer.RemoveReceiveSession(sessionID) })
	return sess, nil
}

// RejectOffer is the command-API surface for declining a cached inbound
// transfer offer.
func (d *Dispatcher) RejectOffer(ctx context.Context, pendingID string) error {
	return d.transfer.RejectAndRespond(ctx, pendingID)
}

// RespondPairing is the command-API surface for accepting or declining a
// cached inbound pairing request.
func (d *Dispatcher) RespondPairing(ctx context.Context, pendingID string, accept bool, reason string) error {
	return d.pairing.HandlePairingRequest(ctx, pendingID, accept, reason)
}

// PrepareProgress implements transfer.Events, relaying hash-progress
// ticks to the UI event stream unchanged.
func (d *Dispatcher) PrepareProgress(preparedID string, currentFile string, completedFiles, totalFiles int, bytesHashed, totalBytes int64) {
	d.emit("prepare-progress", map[string]any{
		"prepared_id":     preparedID,
		"current_file":    currentFile,
		"completed_files": completedFiles,
		"total_files":     totalFiles,
		"bytes_hashed":    bytesHashed,
		"total_bytes":     totalBytes,
	})
}

// TransferOffer implements transfer.Events for offers the dispatcher
// itself originates (none currently; offers reach the UI via handleOffer).
func (d *Dispatcher) TransferOffer(offer transfer.PendingOffer, displayName string) {
	d.emit(EventTransferOffer, map[string]any{"offer": offer, "display_name": displayName})
}

// TransferProgress implements transfer.Events.
func (d *Dispatcher) TransferProgress(snap progress.Snapshot) {
	d.log.Debug(fmt.Sprintf("dispatcher: %s %s/%s at %s/s", snap.SessionID,
		humanize.Bytes(uint64(snap.TransferredBytes)), humanize.Bytes(uint64(snap.TotalBytes)),
		humanize.Bytes(uint64(snap.BytesPerSecond))))
	d.emit(EventTransferProgress, snap)
}

// TransferComplete implements transfer.Events for the receive side; the
// send side is emitted directly from handleComplete instead, since that
// path has the session in hand already.
func (d *Dispatcher) TransferComplete(sessionID [16]byte, direction string, totalBytes int64, elapsedMS int64) {
	d.log.Info(fmt.Sprintf("dispatcher: transfer complete, %s in %s", humanize.Bytes(uint64(totalBytes)),
		time.Duration(elapsedMS)*time.Millisecond))
	d.emit(EventTransferComplete, map[string]any{
		"session_id":  sessionID,
		"direction":   direction,
		"total_bytes": totalBytes,
		"elapsed_ms":  elapsedMS,
	})
}

// TransferFailed implements transfer.Events.
func (d *Dispatcher) TransferFailed(sessionID [16]byte, direction string, reason string) {
	d.emit(EventTransferFailed, map[string]any{
		"session_id": sessionID,
		"direction":  direction,
		"error":      reason,
	})
}

func shortPeerID(peerID string) string {
	if len(peerID) > 8 {
		return peerID[:8]
	}
	return peerID
}
