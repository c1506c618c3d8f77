package peer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/handshake"
	"github.com/danmuck/resonant/internal/protocol/stream"
	"github.com/danmuck/resonant/internal/protocol/transform"
)

var ErrInvalidConfig = errors.New("peer: invalid config")

// BackoffConfig defines retry backoff for transient transport errors.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines one peer's transport, handshake and stream limits.
type Config struct {
	NodeID     string
	ListenAddr string
	PeerAddr   string
	// AdminAddr enables the HTTP admin server when set.
	AdminAddr string

	DModel           uint32
	EmbeddingSpaceID string
	SpaceHash32      uint32
	RequireHandshake bool

	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	MaxStreamBytes uint64
	ChunkSize      int
	// SendRate is frames per second; zero disables pacing.
	SendRate  float64
	SendBurst int

	CompressLevel int
	// Key is the 32 byte XChaCha20-Poly1305 key; required only for
	// encrypted streams.
	Key []byte

	MaxSendAttempts int
	Backoff         BackoffConfig
}

// DefaultConfig returns receive/send defaults for a local peer.
func DefaultConfig() Config {
	return Config{
		NodeID:            "peer.local",
		ListenAddr:        "127.0.0.1:7447",
		PeerAddr:          "127.0.0.1:7447",
		DModel:            4096,
		EmbeddingSpaceID:  "universal-llm-v3",
		SpaceHash32:       2451163210,
		RequireHandshake:  false,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
		SweepInterval:     5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		MaxStreamBytes:    64 << 20,
		ChunkSize:         60000,
		SendRate:          0,
		SendBurst:         16,
		CompressLevel:     transform.DefaultLevel,
		MaxSendAttempts:   4,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidConfig)
	}
	if c.DModel == 0 {
		return fmt.Errorf("%w: missing d_model", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.EmbeddingSpaceID) == "" {
		return fmt.Errorf("%w: missing embedding_space_id", ErrInvalidConfig)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxChunk {
		return fmt.Errorf("%w: chunk_size %d outside 1..%d", ErrInvalidConfig, c.ChunkSize, maxChunk)
	}
	if len(c.Key) != 0 && len(c.Key) != transform.KeySize {
		return fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidConfig, len(c.Key), transform.KeySize)
	}
	if c.SendRate < 0 {
		return fmt.Errorf("%w: negative send_rate", ErrInvalidConfig)
	}
	return nil
}

// maxChunk leaves room for the header, slice metadata, zstd framing and
// the AEAD tag inside one frame.
const maxChunk = protocol.MaxFrameSize - 1024

// Capability is the record this peer advertises.
func (c Config) Capability() handshake.Capability {
	capability := handshake.NewCapability(c.DModel, c.EmbeddingSpaceID, c.SpaceHash32)
	if len(c.Key) == 0 {
		capability.Crypto = []string{}
	}
	return capability
}

// StreamConfig derives the reassembler limits.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		IdleTimeout:    c.IdleTimeout,
		MaxStreamBytes: c.MaxStreamBytes,
	}
}
