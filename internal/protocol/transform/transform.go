// Package transform applies the optional per-slice payload transforms.
//
// On send a slice payload is compressed first and sealed second, each only
// when its flag is set on the frame; Revert undoes them in reverse order.
// Headers are never transformed. Every failure wraps
// protocol.ErrPayloadTransformFailure.
package transform

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/danmuck/resonant/internal/protocol"
)

// DefaultLevel is the zstd level used when a pipeline does not set one.
const DefaultLevel = 3

// maxDecoded bounds one decompressed slice. No fixed-width slice that fits a
// frame can expand past this.
const maxDecoded = 1 << 20

// Compressor is the compression collaborator.
type Compressor interface {
	Compress(p []byte, level int) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// Cipher is the authenticated-encryption collaborator.
type Cipher interface {
	Seal(key, nonce, plaintext []byte) ([]byte, error)
	Open(key, nonce, ciphertext []byte) ([]byte, error)
	NonceSize() int
}

// Zstd implements Compressor. Encoders are cached per level.
type Zstd struct {
	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*zstd.Encoder
	decOnce  sync.Once
	decoder  *zstd.Decoder
	decErr   error
}

func NewZstd() *Zstd {
	return &Zstd{encoders: make(map[zstd.EncoderLevel]*zstd.Encoder)}
}

func (z *Zstd) encoder(level int) (*zstd.Encoder, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.encoders == nil {
		z.encoders = make(map[zstd.EncoderLevel]*zstd.Encoder)
	}
	if enc, ok := z.encoders[lvl]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	z.encoders[lvl] = enc
	return enc, nil
}

func (z *Zstd) Compress(p []byte, level int) ([]byte, error) {
	enc, err := z.encoder(level)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd encoder: %w", protocol.ErrPayloadTransformFailure, err)
	}
	return enc.EncodeAll(p, nil), nil
}

func (z *Zstd) Decompress(p []byte) ([]byte, error) {
	z.decOnce.Do(func() {
		z.decoder, z.decErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecoded),
		)
	})
	if z.decErr != nil {
		return nil, fmt.Errorf("%w: zstd decoder: %w", protocol.ErrPayloadTransformFailure, z.decErr)
	}
	out, err := z.decoder.DecodeAll(p, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", protocol.ErrPayloadTransformFailure, err)
	}
	return out, nil
}

// XChaCha implements Cipher with XChaCha20-Poly1305.
type XChaCha struct{}

// KeySize is the required key length.
const KeySize = chacha20poly1305.KeySize

func (XChaCha) NonceSize() int {
	return chacha20poly1305.NonceSizeX
}

func (XChaCha) Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrPayloadTransformFailure, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", protocol.ErrPayloadTransformFailure, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (XChaCha) Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrPayloadTransformFailure, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", protocol.ErrPayloadTransformFailure, len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrPayloadTransformFailure, err)
	}
	return pt, nil
}

// Nonce derives the per-slice nonce: stream_id, frame_seq and slice index,
// little-endian, zero padded to size. A key must not be reused across two
// streams with the same id.
func Nonce(size int, streamID uint32, seq uint64, slice int) []byte {
	n := make([]byte, size)
	binary.LittleEndian.PutUint32(n[0:4], streamID)
	binary.LittleEndian.PutUint64(n[4:12], seq)
	binary.LittleEndian.PutUint32(n[12:16], uint32(slice))
	return n
}
