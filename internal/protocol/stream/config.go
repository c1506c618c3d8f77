package stream

import "time"

// Config bounds per-stream resources.
type Config struct {
	// IdleTimeout is how long a stream may go without an accepted frame
	// before Evict fails it. Zero disables eviction.
	IdleTimeout time.Duration
	// MaxStreamBytes caps the accumulator regardless of the announced
	// total_len. Zero means no cap beyond total_len.
	MaxStreamBytes uint64
}

// DefaultConfig returns the receive-side defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    30 * time.Second,
		MaxStreamBytes: 64 << 20,
	}
}
