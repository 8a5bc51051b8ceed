package pairing

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmdrop/swarmdrop/internal/overlay"
)

// ErrDeviceNotFound is returned when a lookup or removal targets an unknown peer id.
var ErrDeviceNotFound = errors.New("pairing: device not found")

// PairedDevice is a persisted peer this node has completed a pairing
// handshake with.
type PairedDevice struct {
	PeerID   string
	OSInfo   overlay.OSInfo
	PairedAt time.Time
}

// Store is the persistent paired-device set. It is also the concurrent map
// shared read-only with the device manager; the pairing manager is the only
// writer.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a SQLite-backed paired-device store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pairing: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS paired_devices (
			peer_id    TEXT PRIMARY KEY,
			os_info    TEXT NOT NULL,
			paired_at  TIMESTAMP NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("pairing: init schema: %w", err)
	}
	return nil
}

// Add inserts or replaces a paired device.
func (s *Store) Add(d PairedDevice) error {
	osInfoJSON, err := json.Marshal(d.OSInfo)
	if err != nil {
		return fmt.Errorf("pairing: marshal os_info: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO paired_devices (peer_id, os_info, paired_at) VALUES (?, ?, ?)`,
		d.PeerID, string(osInfoJSON), d.PairedAt,
	)
	return err
}

// Remove deletes a paired device by peer id.
func (s *Store) Remove(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM paired_devices WHERE peer_id = ?`, peerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Get returns one paired device by peer id.
func (s *Store) Get(peerID string) (PairedDevice, error) {
	var osInfoJSON string
	var pairedAt time.Time
	err := s.db.QueryRow(`SELECT os_info, paired_at FROM paired_devices WHERE peer_id = ?`, peerID).
		Scan(&osInfoJSON, &pairedAt)
	if err == sql.ErrNoRows {
		return PairedDevice{}, ErrDeviceNotFound
	}
	if err != nil {
		return PairedDevice{}, err
	}
	var osInfo overlay.OSInfo
	if err := json.Unmarshal([]byte(osInfoJSON), &osInfo); err != nil {
		return PairedDevice{}, err
	}
	return PairedDevice{PeerID: peerID, OSInfo: osInfo, PairedAt: pairedAt}, nil
}

// IsPaired reports whether peerID is a member of the paired set.
func (s *Store) IsPaired(peerID string) bool {
	_, err := s.Get(peerID)
	return err == nil
}

// List returns every paired device.
func (s *Store) List() ([]PairedDevice, error) {
	rows, err := s.db.Query(`SELECT peer_id, os_info, paired_at FROM paired_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairedDevice
	for rows.Next() {
		var peerID, osInfoJSON string
		var pairedAt time.Time
		if err := rows.Scan(&peerID, &osInfoJSON, &pairedAt); err != nil {
			return nil, err
		}
		var osInfo overlay.OSInfo
		if err := json.Unmarshal([]byte(osInfoJSON), &osInfo); err != nil {
			return nil, err
		}
		out = append(out, PairedDevice{PeerID: peerID, OSInfo: osInfo, PairedAt: pairedAt})
	}
	return out, rows.Err()
}

// PairedPeerIDs returns every paired peer id, satisfying internal/device's
// PairedLookup interface without that package importing this one.
func (s *Store) PairedPeerIDs() ([]string, error) {
	devices, err := s.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.PeerID
	}
	return ids, nil
}

func (s *Store) Close() error { return s.db.Close() }
