// Package config loads swarmdropd's on-disk configuration: the QUIC
// listen address, the optional fixed rendezvous peer, and the on-disk
// paths and worker tunables the rest of the daemon wires up at start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/swarmdrop/swarmdrop/internal/validation"
)

// Config holds swarmdropd's runtime configuration.
type Config struct {
	// ListenAddr is the quicoverlay QUIC listen address, e.g. "0.0.0.0:4433".
	ListenAddr string

	// RendezvousAddr and RendezvousPeerID name the fixed peer this node
	// forwards DHT Put/Get/Remove calls to. Leave both empty to have this
	// node serve its own records (appropriate for a rendezvous node itself).
	RendezvousAddr   string
	RendezvousPeerID string

	// KeystorePath is where the node's long-term Ed25519 identity is
	// stored, passphrase-encrypted.
	KeystorePath string

	// PairingStorePath is the SQLite database backing the paired-device set.
	PairingStorePath string

	// DownloadDirectory is the default destination directory for accepted
	// inbound transfers.
	DownloadDirectory string

	// WorkerCount and QueueDepth size the shared worker pool that walks
	// directories, hashes files, and reads and writes chunks off the
	// dispatcher goroutine.
	WorkerCount int
	QueueDepth  int

	// EventBufferSize sizes the dispatcher's outbound UI event channel.
	EventBufferSize int

	// PairingCodeTTL is the default validity window of a generated pairing
	// code; a zero value lets the pairing manager apply its own default.
	PairingCodeTTL time.Duration

	// AgentVersion is the identify string this node advertises to peers.
	AgentVersion string
}

// DefaultConfig returns the configuration swarmdropd runs with absent a
// config file.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "swarmdrop")

	return &Config{
		ListenAddr:        ":4433",
		KeystorePath:      filepath.Join(dataDir, "identity.key"),
		PairingStorePath:  filepath.Join(dataDir, "pairing.db"),
		DownloadDirectory: filepath.Join(home, "Downloads", "swarmdrop"),
		WorkerCount:       8,
		QueueDepth:        32,
		EventBufferSize:   256,
		PairingCodeTTL:    300 * time.Second,
		AgentVersion:      "swarmdrop/0.1.0",
	}
}

// fileConfig mirrors Config with YAML-friendly field types (plain seconds
// instead of time.Duration, which go.yaml.in/yaml/v2 doesn't parse from a
// bare scalar).
type fileConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	RendezvousAddr     string `yaml:"rendezvous_addr"`
	RendezvousPeerID   string `yaml:"rendezvous_peer_id"`
	KeystorePath       string `yaml:"keystore_path"`
	PairingStorePath   string `yaml:"pairing_store_path"`
	DownloadDirectory  string `yaml:"download_directory"`
	WorkerCount        int    `yaml:"worker_count"`
	QueueDepth         int    `yaml:"queue_depth"`
	EventBufferSize    int    `yaml:"event_buffer_size"`
	PairingCodeTTLSecs int    `yaml:"pairing_code_ttl_seconds"`
	AgentVersion       string `yaml:"agent_version"`
}

// LoadConfig reads configPath as YAML and overlays it onto DefaultConfig,
// leaving fields the file omits (zero-valued in fileConfig) at their
// default. A missing file is not an error: it yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.RendezvousAddr != "" {
		cfg.RendezvousAddr = fc.RendezvousAddr
	}
	if fc.RendezvousPeerID != "" {
		cfg.RendezvousPeerID = fc.RendezvousPeerID
	}
	if fc.KeystorePath != "" {
		cfg.KeystorePath = fc.KeystorePath
	}
	if fc.PairingStorePath != "" {
		cfg.PairingStorePath = fc.PairingStorePath
	}
	if fc.DownloadDirectory != "" {
		cfg.DownloadDirectory = fc.DownloadDirectory
	}
	if fc.WorkerCount > 0 {
		cfg.WorkerCount = fc.WorkerCount
	}
	if fc.QueueDepth > 0 {
		cfg.QueueDepth = fc.QueueDepth
	}
	if fc.EventBufferSize > 0 {
		cfg.EventBufferSize = fc.EventBufferSize
	}
	if fc.PairingCodeTTLSecs > 0 {
		cfg.PairingCodeTTL = time.Duration(fc.PairingCodeTTLSecs) * time.Second
	}
	if fc.AgentVersion != "" {
		cfg.AgentVersion = fc.AgentVersion
	}

	if err := validation.ValidateAddr(cfg.ListenAddr); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	if err := validation.ValidateStringNonEmpty(cfg.AgentVersion); err != nil {
		return nil, fmt.Errorf("config: agent_version: %w", err)
	}
	if err := validation.ValidateFilePath(filepath.Dir(cfg.KeystorePath), false); err != nil {
		return nil, fmt.Errorf("config: keystore_path: %w", err)
	}

	return cfg, nil
}
