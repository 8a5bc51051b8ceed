package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers against the global Prometheus registry, so every
// assertion here shares one instance; a second NewMetrics() call in the
// same test binary would panic on duplicate registration.
func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordTransferStart()
	m.RecordTransferStart()
	m.RecordTransferComplete(true, 1.5)
	if got := testutil.ToFloat64(m.TransfersActive); got != 1 {
		t.Errorf("TransfersActive = %v, want 1", got)
	}

	m.RecordChunkSent(1024)
	m.RecordChunkReceived(2048)
	if got := testutil.ToFloat64(m.ChunksSentTotal); got != 1 {
		t.Errorf("ChunksSentTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksReceivedTotal); got != 1 {
		t.Errorf("ChunksReceivedTotal = %v, want 1", got)
	}

	m.RecordMerkleVerification(true)
	m.RecordMerkleVerification(false)
	if got := testutil.ToFloat64(m.MerkleVerificationsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("MerkleVerificationsTotal{failure} = %v, want 1", got)
	}

	m.RecordQUICConnection(true)
	m.RecordQUICConnectionClose(2.0)
	if got := testutil.ToFloat64(m.QUICConnectionsActive); got != 0 {
		t.Errorf("QUICConnectionsActive = %v, want 0 after close", got)
	}
}
