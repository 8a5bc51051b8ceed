package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerIncludesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("swarmdropd", "0.1.0", &buf)
	logger.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["service"] != "swarmdropd" {
		t.Errorf("service = %v, want swarmdropd", entry["service"])
	}
	if entry["version"] != "0.1.0" {
		t.Errorf("version = %v, want 0.1.0", entry["version"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestWithPeerAddsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("swarmdropd", "0.1.0", &buf).WithPeer("abc123")
	logger.Info("peer scoped")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["peer_id"] != "abc123" {
		t.Errorf("peer_id = %v, want abc123", entry["peer_id"])
	}
}

func TestErrorIncludesErrField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("swarmdropd", "0.1.0", &buf)
	logger.Error(errors.New("boom"), "operation failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}
