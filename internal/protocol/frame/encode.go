package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/integrity"
)

// Encode serializes f and appends its CRC32. f is not modified.
func Encode(f Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	size := EncodedLen(f)
	if size > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", protocol.ErrFrameTooLarge, size, protocol.MaxFrameSize)
	}

	h := f.Header
	buf := make([]byte, 0, size)
	buf = append(buf, h.Version, byte(h.Type))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.Flags))
	buf = binary.LittleEndian.AppendUint32(buf, h.StreamID)
	buf = binary.LittleEndian.AppendUint64(buf, h.FrameSeq)
	buf = binary.LittleEndian.AppendUint64(buf, h.NumSlices)
	for _, l := range h.SliceLens.values {
		buf = binary.LittleEndian.AppendUint32(buf, l)
	}
	buf = binary.LittleEndian.AppendUint32(buf, h.SpaceHash32)
	buf = append(buf, byte(h.Modality))

	for _, s := range f.Slices {
		buf = append(buf, byte(s.Meta.DType), byte(len(s.Meta.Shape)))
		for _, dim := range s.Meta.Shape {
			buf = binary.LittleEndian.AppendUint32(buf, dim)
		}
		buf = append(buf, s.Payload...)
	}

	return binary.LittleEndian.AppendUint32(buf, integrity.CRC32(buf)), nil
}

// EncodedLen is the exact size Encode produces for a valid f.
func EncodedLen(f Frame) int {
	n := PrefixLen + sliceLenWidth*f.Header.SliceLens.Entries() + tailFieldsLen
	for _, s := range f.Slices {
		n += sliceMetaLen + dimWidth*len(s.Meta.Shape) + len(s.Payload)
	}
	return n + TrailerLen
}

func validate(f Frame) error {
	h := f.Header
	if h.Version != protocol.Version {
		return fmt.Errorf("%w: %d", protocol.ErrUnsupportedVersion, h.Version)
	}
	if _, err := protocol.ParseMsgType(uint8(h.Type)); err != nil {
		return err
	}
	if _, err := protocol.ParseFlags(uint16(h.Flags)); err != nil {
		return err
	}
	if _, err := protocol.ParseModality(uint8(h.Modality)); err != nil {
		return err
	}
	if h.NumSlices != uint64(len(f.Slices)) {
		return fmt.Errorf(
			"%w: num_slices %d does not match payload count %d",
			protocol.ErrStructuralMismatch,
			h.NumSlices,
			len(f.Slices),
		)
	}
	if err := h.SliceLens.check(h.NumSlices); err != nil {
		return err
	}

	for i, s := range f.Slices {
		if _, err := protocol.ParseDType(uint8(s.Meta.DType)); err != nil {
			return fmt.Errorf("slice[%d]: %w", i, err)
		}
		if len(s.Meta.Shape) > math.MaxUint8 {
			return fmt.Errorf("%w: slice[%d] has %d dims", protocol.ErrStructuralMismatch, i, len(s.Meta.Shape))
		}
		declared := h.SliceLens.At(i)
		if uint64(declared) != uint64(len(s.Payload)) {
			return fmt.Errorf(
				"%w: slice_len[%d] declares %d bytes, payload has %d",
				protocol.ErrLengthMismatch,
				i,
				declared,
				len(s.Payload),
			)
		}
		if err := checkShape(s.Meta, declared, h.Flags); err != nil {
			return fmt.Errorf("slice[%d]: %w", i, err)
		}
	}
	return nil
}

// checkShape cross-checks a declared length against the dtype/shape size.
// Transformed payloads only have their shape validated; the size is checked
// after the transform is reverted.
func checkShape(meta SliceMeta, declared uint32, flags protocol.Flags) error {
	expected, fixed, err := protocol.ExpectedPayloadSize(meta.DType, meta.Shape)
	if err != nil {
		return err
	}
	if !fixed || flags.Transformed() {
		return nil
	}
	if uint64(expected) != uint64(declared) {
		return fmt.Errorf(
			"%w: %s shape %v expects %d bytes, declared %d",
			protocol.ErrShapeDtypeMismatch,
			meta.DType,
			meta.Shape,
			expected,
			declared,
		)
	}
	return nil
}
