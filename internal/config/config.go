// Package config manages the persistent configuration envelope for a
// syncroom device. Settings are stored as JSON at
// os.UserConfigDir()/syncroom/config.json, mirroring the teacher client's
// config package.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"syncroom/internal/protocol"
)

// SignalingServer describes an optional custom signalling rendezvous,
// overriding the built-in one.
type SignalingServer struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
	Secure bool   `json:"secure"`
	Key    string `json:"key"`
}

// Config holds every option in the configuration envelope (spec §6.4).
type Config struct {
	MaxGuestSlots        int                    `json:"max_guest_slots"`
	ChunkSize            int                    `json:"chunk_size"`
	MaxDirectDataPeers   int                    `json:"max_direct_data_peers"`
	ICEServers           []protocol.ICEServer   `json:"ice_servers"`
	CustomSignalingServer *SignalingServer      `json:"custom_signaling_server,omitempty"`
	RecoveryBackoffMs    []int                  `json:"recovery_backoff_ms"`
	MaxRecoveryRetries   int                    `json:"max_recovery_retries"`
	HeartbeatTimeoutMs   int                    `json:"heartbeat_timeout_ms"`
	UsePingCompensation  bool                   `json:"use_ping_compensation"`
}

// Default returns the envelope populated with the defaults from spec §5/§6.4.
func Default() Config {
	return Config{
		MaxGuestSlots:      3,
		ChunkSize:          16384,
		MaxDirectDataPeers: 3,
		ICEServers: []protocol.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		RecoveryBackoffMs:   []int{2000, 5000, 10000},
		MaxRecoveryRetries:  3,
		HeartbeatTimeoutMs:  15000,
		UsePingCompensation: false,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "syncroom", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error, matching
// the teacher client's tolerant-load behaviour.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save persists cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
