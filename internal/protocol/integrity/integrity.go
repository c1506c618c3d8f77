// Package integrity holds the checksums layered over frames and streams.
//
// CRC32 (IEEE) protects every frame against transport bit errors and
// truncation. The strong hash (XXH3-64) covers the concatenated application
// payload of a whole stream and is compared once, at TAIL. The legacy weak
// hash (MD5) is still announced in HEAD by older senders.
package integrity

import (
	"crypto/md5"
	"hash"
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// WeakHashSize is the byte length of the legacy weak hash.
const WeakHashSize = md5.Size

// CRC32 returns the IEEE CRC32 of b.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// StrongHash returns the XXH3-64 digest of b.
func StrongHash(b []byte) uint64 {
	return xxh3.Hash(b)
}

// WeakHash returns the legacy 128-bit digest of b.
func WeakHash(b []byte) [WeakHashSize]byte {
	return md5.Sum(b)
}

// StreamHasher accumulates both stream hashes incrementally, so senders never
// need the whole stream in memory to announce it.
type StreamHasher struct {
	strong *xxh3.Hasher
	weak   hash.Hash
	n      uint64
}

func NewStreamHasher() *StreamHasher {
	return &StreamHasher{
		strong: xxh3.New(),
		weak:   md5.New(),
	}
}

// Write never fails.
func (h *StreamHasher) Write(p []byte) (int, error) {
	_, _ = h.strong.Write(p)
	_, _ = h.weak.Write(p)
	h.n += uint64(len(p))
	return len(p), nil
}

func (h *StreamHasher) Len() uint64 {
	return h.n
}

func (h *StreamHasher) Strong() uint64 {
	return h.strong.Sum64()
}

func (h *StreamHasher) Weak() [WeakHashSize]byte {
	var out [WeakHashSize]byte
	copy(out[:], h.weak.Sum(nil))
	return out
}
