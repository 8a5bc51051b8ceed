// Package presence implements the two DHT record types the core publishes
// and looks up: pairing-code records and online-announcement records.
package presence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

const (
	shareCodeNamespace = "/swarmdrop/share-code/"
	onlineNamespace    = "/swarmdrop/online/"

	// OnlineRecordTTL is the fixed validity window of an online record.
	OnlineRecordTTL = 300 * time.Second
)

var ErrRecordExpired = errors.New("presence: record has expired")

// ShareCodeKey computes the DHT key for a pairing code.
func ShareCodeKey(code string) []byte {
	return hashKey(shareCodeNamespace + code)
}

// OnlineKey computes the DHT key for a peer's online record.
func OnlineKey(peerID string) []byte {
	return hashKey(onlineNamespace + peerID)
}

func hashKey(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// OSInfo is an alias of overlay.OSInfo; records serialize the overlay's type
// directly.
type OSInfo = overlay.OSInfo

// ShareCodeRecord is the value published under ShareCodeKey.
type ShareCodeRecord struct {
	OSInfo     OSInfo    `json:"os_info"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ListenAddrs []string `json:"listen_addrs"`
}

// OnlineRecord is the value published under OnlineKey.
type OnlineRecord struct {
	OSInfo      OSInfo    `json:"os_info"`
	ListenAddrs []string  `json:"listen_addrs"`
	Timestamp   time.Time `json:"timestamp"`
}

// PublishShareCode serializes and stores a share-code record, keyed by code,
// with a DHT TTL equal to rec.ExpiresAt.
func PublishShareCode(ctx context.Context, client overlay.Client, selfPeerID, code string, rec ShareCodeRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal share-code record: %w", err)
	}
	return client.PutRecord(ctx, overlay.Record{
		Key:       ShareCodeKey(code),
		Value:     value,
		Publisher: selfPeerID,
		Expires:   rec.ExpiresAt,
	})
}

// LookupShareCode fetches and validates a share-code record, returning
// ErrRecordExpired if its expiry has passed.
func LookupShareCode(ctx context.Context, client overlay.Client, code string) (ShareCodeRecord, string, error) {
	raw, err := client.GetRecord(ctx, ShareCodeKey(code))
	if err != nil {
		return ShareCodeRecord{}, "", err
	}
	var rec ShareCodeRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return ShareCodeRecord{}, "", fmt.Errorf("presence: unmarshal share-code record: %w", err)
	}
	if time.Now().After(rec.ExpiresAt) {
		return ShareCodeRecord{}, "", ErrRecordExpired
	}
	return rec, raw.Publisher, nil
}

// AnnounceOnline publishes this node's online record with a 300s TTL.
func AnnounceOnline(ctx context.Context, client overlay.Client, selfPeerID string, osInfo OSInfo, listenAddrs []string) error {
	now := time.Now()
	rec := OnlineRecord{OSInfo: osInfo, ListenAddrs: listenAddrs, Timestamp: now}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal online record: %w", err)
	}
	return client.PutRecord(ctx, overlay.Record{
		Key:       OnlineKey(selfPeerID),
		Value:     value,
		Publisher: selfPeerID,
		Expires:   now.Add(OnlineRecordTTL),
	})
}

// AnnounceOffline removes this node's online record.
func AnnounceOffline(ctx context.Context, client overlay.Client, selfPeerID string) error {
	return client.RemoveRecord(ctx, OnlineKey(selfPeerID))
}

// LookupOnline fetches and validates a peer's online record.
func LookupOnline(ctx context.Context, client overlay.Client, peerID string) (OnlineRecord, error) {
	raw, err := client.GetRecord(ctx, OnlineKey(peerID))
	if err != nil {
		return OnlineRecord{}, err
	}
	var rec OnlineRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return OnlineRecord{}, fmt.Errorf("presence: unmarshal online record: %w", err)
	}
	if time.Now().After(raw.Expires) {
		return OnlineRecord{}, ErrRecordExpired
	}
	return rec, nil
}

// FormatAgentVersion encodes os info into the overlay identify string:
// "swarmdrop/{version}; os={os}; platform={platform}; arch={arch}; host={hostname}".
func FormatAgentVersion(version string, info OSInfo) string {
	return fmt.Sprintf("swarmdrop/%s; os=%s; platform=%s; arch=%s; host=%s",
		version, info.OS, info.Platform, info.Arch, info.Hostname)
}

// ParseAgentVersion parses the identify string grammar. Missing keys cause a
// parse failure; the caller should fall back to a peer-id-derived placeholder.
func ParseAgentVersion(s string) (OSInfo, error) {
	parts := strings.Split(s, "; ")
	if len(parts) == 0 {
		return OSInfo{}, errors.New("presence: empty agent string")
	}

	var info OSInfo
	found := map[string]bool{}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch key {
		case "os":
			info.OS = value
		case "platform":
			info.Platform = value
		case "arch":
			info.Arch = value
		case "host":
			info.Hostname = value
		default:
			continue
		}
		found[key] = true
	}
	for _, key := range []string{"os", "platform", "arch", "host"} {
		if !found[key] {
			return OSInfo{}, fmt.Errorf("presence: agent string missing key %q", key)
		}
	}
	return info, nil
}
