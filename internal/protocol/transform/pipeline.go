package transform

import (
	"errors"
	"fmt"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/frame"
)

// Pipeline binds the collaborators and key material for one peer.
type Pipeline struct {
	Compressor Compressor
	Cipher     Cipher
	Key        []byte
	Level      int
}

// NewPipeline returns the default zstd + XChaCha pipeline. key may be nil
// when encryption is never requested.
func NewPipeline(key []byte, level int) *Pipeline {
	if level == 0 {
		level = DefaultLevel
	}
	return &Pipeline{
		Compressor: NewZstd(),
		Cipher:     XChaCha{},
		Key:        key,
		Level:      level,
	}
}

// Apply transforms every slice payload of f as its flags request and
// recomputes slice_len. f itself is not modified.
func (p *Pipeline) Apply(f frame.Frame) (frame.Frame, error) {
	flags := f.Header.Flags
	if !flags.Transformed() || len(f.Slices) == 0 {
		return f, nil
	}
	if err := p.check(flags); err != nil {
		return frame.Frame{}, err
	}
	slices := make([]frame.Slice, len(f.Slices))
	for i, s := range f.Slices {
		out := s.Payload
		var err error
		if flags.Has(protocol.FlagCompressed) {
			if out, err = p.Compressor.Compress(out, p.Level); err != nil {
				return frame.Frame{}, fmt.Errorf("slice[%d]: %w", i, wrap(err))
			}
		}
		if flags.Has(protocol.FlagEncrypted) {
			nonce := Nonce(p.Cipher.NonceSize(), f.Header.StreamID, f.Header.FrameSeq, i)
			if out, err = p.Cipher.Seal(p.Key, nonce, out); err != nil {
				return frame.Frame{}, fmt.Errorf("slice[%d]: %w", i, wrap(err))
			}
		}
		slices[i] = frame.Slice{Meta: s.Meta, Payload: out}
	}
	return frame.New(f.Header, slices...), nil
}

// Revert undoes Apply. The returned frame carries plaintext payloads, has
// the compressed and encrypted flags cleared, and has had every fixed-width
// slice size checked against its shape.
func (p *Pipeline) Revert(f frame.Frame) (frame.Frame, error) {
	flags := f.Header.Flags
	if !flags.Transformed() {
		return f, nil
	}
	if len(f.Slices) > 0 {
		if err := p.check(flags); err != nil {
			return frame.Frame{}, err
		}
	}
	slices := make([]frame.Slice, len(f.Slices))
	for i, s := range f.Slices {
		out := s.Payload
		var err error
		if flags.Has(protocol.FlagEncrypted) {
			nonce := Nonce(p.Cipher.NonceSize(), f.Header.StreamID, f.Header.FrameSeq, i)
			if out, err = p.Cipher.Open(p.Key, nonce, out); err != nil {
				return frame.Frame{}, fmt.Errorf("slice[%d]: %w", i, wrap(err))
			}
		}
		if flags.Has(protocol.FlagCompressed) {
			if out, err = p.Compressor.Decompress(out); err != nil {
				return frame.Frame{}, fmt.Errorf("slice[%d]: %w", i, wrap(err))
			}
		}
		expected, fixed, err := protocol.ExpectedPayloadSize(s.Meta.DType, s.Meta.Shape)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("slice[%d]: %w", i, err)
		}
		if fixed && expected != len(out) {
			return frame.Frame{}, fmt.Errorf(
				"slice[%d]: %w: %s shape %v expects %d bytes, recovered %d",
				i,
				protocol.ErrShapeDtypeMismatch,
				s.Meta.DType,
				s.Meta.Shape,
				expected,
				len(out),
			)
		}
		slices[i] = frame.Slice{Meta: s.Meta, Payload: out}
	}
	h := f.Header
	h.Flags &^= protocol.FlagCompressed | protocol.FlagEncrypted
	return frame.New(h, slices...), nil
}

func (p *Pipeline) check(flags protocol.Flags) error {
	if flags.Has(protocol.FlagCompressed) && p.Compressor == nil {
		return fmt.Errorf("%w: no compressor configured", protocol.ErrPayloadTransformFailure)
	}
	if flags.Has(protocol.FlagEncrypted) {
		if p.Cipher == nil {
			return fmt.Errorf("%w: no cipher configured", protocol.ErrPayloadTransformFailure)
		}
		if len(p.Key) == 0 {
			return fmt.Errorf("%w: no key configured", protocol.ErrPayloadTransformFailure)
		}
	}
	return nil
}

// wrap tags collaborator errors that did not wrap the sentinel themselves.
func wrap(err error) error {
	if errors.Is(err, protocol.ErrPayloadTransformFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", protocol.ErrPayloadTransformFailure, err)
}
