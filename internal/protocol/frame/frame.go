// Package frame encodes and decodes single V-Frames.
//
// Wire layout, all integers little-endian:
//
//	version(1) type(1) flags(2) stream_id(4) frame_seq(8) num_slices(8)
//	slice_len(4 x1 shared, or 4 x num_slices) space_hash32(4) modality(1)
//	per slice: dtype(1) shape_len(1) dims(4 each) payload
//	crc32(4) over every preceding byte
//
// Encode and Decode are pure and safe for concurrent use.
package frame

import (
	"fmt"

	"github.com/danmuck/resonant/internal/protocol"
)

const (
	// PrefixLen is the mandatory fixed header prefix, up to and including num_slices.
	PrefixLen = 1 + 1 + 2 + 4 + 8 + 8
	// TrailerLen is the CRC32 trailer.
	TrailerLen = 4
	// MinLen is the shortest byte sequence Decode will attempt to parse.
	MinLen = PrefixLen + TrailerLen

	sliceLenWidth = 4
	tailFieldsLen = 4 + 1 // space_hash32 + modality
	sliceMetaLen  = 1 + 1 // dtype + shape_len
	dimWidth      = 4
)

// SliceLens is the slice_len header field: either one length shared by the
// frame (written once) or one length per slice. The zero value is empty and
// fails validation.
type SliceLens struct {
	shared bool
	values []uint32
}

// SharedLen is the single-value form, valid for frames with at most one slice.
func SharedLen(n uint32) SliceLens {
	return SliceLens{shared: true, values: []uint32{n}}
}

// PerSliceLens is the per-slice form. A single length is wire-identical to
// the shared form and is normalized to it.
func PerSliceLens(lens ...uint32) SliceLens {
	if len(lens) == 1 {
		return SharedLen(lens[0])
	}
	values := make([]uint32, len(lens))
	copy(values, lens)
	return SliceLens{values: values}
}

// LensFor derives the slice_len field from the actual payloads.
func LensFor(slices []Slice) SliceLens {
	switch len(slices) {
	case 0:
		return SharedLen(0)
	case 1:
		return SharedLen(uint32(len(slices[0].Payload)))
	}
	lens := make([]uint32, len(slices))
	for i, s := range slices {
		lens[i] = uint32(len(s.Payload))
	}
	return SliceLens{values: lens}
}

func (l SliceLens) IsShared() bool {
	return l.shared
}

// Entries is the number of u32 values written on the wire.
func (l SliceLens) Entries() int {
	return len(l.values)
}

// At returns the declared length of slice i.
func (l SliceLens) At(i int) uint32 {
	if l.shared {
		return l.values[0]
	}
	return l.values[i]
}

func (l SliceLens) Values() []uint32 {
	out := make([]uint32, len(l.values))
	copy(out, l.values)
	return out
}

// check validates the field against num_slices.
func (l SliceLens) check(numSlices uint64) error {
	if len(l.values) == 0 {
		return fmt.Errorf("%w: %w", protocol.ErrStructuralMismatch, protocol.ErrEmptySliceLengths)
	}
	switch {
	case numSlices > 1:
		if l.shared || uint64(len(l.values)) != numSlices {
			return fmt.Errorf(
				"%w: multi-slice frame needs %d per-slice lengths, got %d",
				protocol.ErrStructuralMismatch,
				numSlices,
				len(l.values),
			)
		}
	case len(l.values) != 1:
		return fmt.Errorf(
			"%w: frame with %d slices carries %d lengths",
			protocol.ErrStructuralMismatch,
			numSlices,
			len(l.values),
		)
	case numSlices == 0 && l.values[0] != 0:
		return fmt.Errorf("%w: empty frame declares length %d", protocol.ErrStructuralMismatch, l.values[0])
	}
	return nil
}

// Header is the decoded frame header.
type Header struct {
	Version     uint8
	Type        protocol.MsgType
	Flags       protocol.Flags
	StreamID    uint32
	FrameSeq    uint64
	NumSlices   uint64
	SliceLens   SliceLens
	SpaceHash32 uint32
	Modality    protocol.Modality
}

// SliceMeta describes one slice's element encoding.
type SliceMeta struct {
	DType protocol.DType
	Shape []uint32
}

// Slice is one typed payload segment.
type Slice struct {
	Meta    SliceMeta
	Payload []byte
}

// Frame is one complete wire message. CRC32 is filled by Decode; Encode
// ignores it.
type Frame struct {
	Header Header
	Slices []Slice
	CRC32  uint32
}

// New assembles a frame whose num_slices and slice_len agree with slices.
// A zero Version is set to protocol.Version.
func New(h Header, slices ...Slice) Frame {
	if h.Version == 0 {
		h.Version = protocol.Version
	}
	h.NumSlices = uint64(len(slices))
	h.SliceLens = LensFor(slices)
	return Frame{Header: h, Slices: slices}
}

// IsHeartbeat reports whether the frame carries no slices.
func (f Frame) IsHeartbeat() bool {
	return f.Header.NumSlices == 0 && len(f.Slices) == 0
}

// PayloadLen is the total application payload carried by the frame.
func (f Frame) PayloadLen() int {
	n := 0
	for _, s := range f.Slices {
		n += len(s.Payload)
	}
	return n
}

// AppendPayload appends every slice payload, in order, to dst.
func (f Frame) AppendPayload(dst []byte) []byte {
	for _, s := range f.Slices {
		dst = append(dst, s.Payload...)
	}
	return dst
}

func (f Frame) String() string {
	h := f.Header
	return fmt.Sprintf(
		"frame{v=%d type=%s flags=%s stream=%#x seq=%d slices=%d space=%#x modality=%s}",
		h.Version, h.Type, h.Flags, h.StreamID, h.FrameSeq, h.NumSlices, h.SpaceHash32, h.Modality,
	)
}
