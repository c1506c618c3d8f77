package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/resonant/internal/peer"
)

type fileConfig struct {
	NodeID     string `toml:"node_id"`
	ListenAddr string `toml:"listen_addr"`
	PeerAddr   string `toml:"peer_addr"`
	AdminAddr  string `toml:"admin_addr"`

	DModel           uint32 `toml:"d_model"`
	EmbeddingSpaceID string `toml:"embedding_space_id"`
	SpaceHash32      uint32 `toml:"space_hash32"`
	RequireHandshake bool   `toml:"require_handshake"`

	HandshakeTimeout  string `toml:"handshake_timeout"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	IdleTimeout       string `toml:"idle_timeout"`
	SweepInterval     string `toml:"sweep_interval"`
	HeartbeatInterval string `toml:"heartbeat_interval"`

	MaxStreamBytes uint64  `toml:"max_stream_bytes"`
	ChunkSize      int     `toml:"chunk_size"`
	SendRate       float64 `toml:"send_rate"`
	SendBurst      int     `toml:"send_burst"`
	CompressLevel  int     `toml:"compress_level"`
	KeyHex         string  `toml:"key_hex"`

	MaxSendAttempts int         `toml:"max_send_attempts"`
	Backoff         fileBackoff `toml:"backoff"`
}

type fileBackoff struct {
	Initial    string  `toml:"initial"`
	Max        string  `toml:"max"`
	Multiplier float64 `toml:"multiplier"`
	Jitter     bool    `toml:"jitter"`
}

// loadPeerConfig overlays the keys defined in path on peer.DefaultConfig.
// An empty path returns the defaults.
func loadPeerConfig(path string) (peer.Config, error) {
	cfg := peer.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return peer.Config{}, fmt.Errorf("load peer config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return peer.Config{}, fmt.Errorf("load peer config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node_id") {
		if id := strings.TrimSpace(raw.NodeID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("peer_addr") {
		cfg.PeerAddr = strings.TrimSpace(raw.PeerAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("d_model") {
		cfg.DModel = raw.DModel
	}
	if meta.IsDefined("embedding_space_id") {
		cfg.EmbeddingSpaceID = strings.TrimSpace(raw.EmbeddingSpaceID)
	}
	if meta.IsDefined("space_hash32") {
		cfg.SpaceHash32 = raw.SpaceHash32
	}
	if meta.IsDefined("require_handshake") {
		cfg.RequireHandshake = raw.RequireHandshake
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff.initial", raw.Backoff.Initial, &cfg.Backoff.InitialDelay},
		{"backoff.max", raw.Backoff.Max, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return peer.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_stream_bytes") {
		cfg.MaxStreamBytes = raw.MaxStreamBytes
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("send_rate") {
		cfg.SendRate = raw.SendRate
	}
	if meta.IsDefined("send_burst") {
		cfg.SendBurst = raw.SendBurst
	}
	if meta.IsDefined("compress_level") {
		cfg.CompressLevel = raw.CompressLevel
	}
	if meta.IsDefined("key_hex") {
		key, err := hex.DecodeString(strings.TrimSpace(raw.KeyHex))
		if err != nil {
			return peer.Config{}, fmt.Errorf("parse key_hex: %w", err)
		}
		cfg.Key = key
	}
	if meta.IsDefined("max_send_attempts") {
		cfg.MaxSendAttempts = raw.MaxSendAttempts
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := cfg.Validate(); err != nil {
		return peer.Config{}, err
	}
	return cfg, nil
}
