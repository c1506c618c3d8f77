package protocol

import (
	"fmt"
	"math"
	"strings"
)

// DType is the element encoding of a slice payload.
type DType uint8

const (
	DTypeF16       DType = 0x01
	DTypeI8        DType = 0x02
	DTypeQ4        DType = 0x03
	DTypeSparseCOO DType = 0x10
)

// ParseDType maps a wire byte to a DType.
func ParseDType(b uint8) (DType, error) {
	switch DType(b) {
	case DTypeF16, DTypeI8, DTypeQ4, DTypeSparseCOO:
		return DType(b), nil
	default:
		return 0, fmt.Errorf("%w: dtype 0x%02x", ErrInvalidEnum, b)
	}
}

// DTypeFromName accepts the capability spellings "f16", "i8", "q4", "sparse".
func DTypeFromName(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "f16":
		return DTypeF16, nil
	case "i8":
		return DTypeI8, nil
	case "q4":
		return DTypeQ4, nil
	case "sparse", "sparse_coo":
		return DTypeSparseCOO, nil
	default:
		return 0, fmt.Errorf("%w: dtype %q", ErrInvalidEnum, name)
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF16:
		return "f16"
	case DTypeI8:
		return "i8"
	case DTypeQ4:
		return "q4"
	case DTypeSparseCOO:
		return "sparse"
	default:
		return fmt.Sprintf("dtype(0x%02x)", uint8(d))
	}
}

// FixedWidth reports whether the payload size is derivable from the shape.
func (d DType) FixedWidth() bool {
	return d != DTypeSparseCOO
}

// maxElems bounds the element product. Anything above it cannot fit in a
// frame under any dtype, so the product is rejected before it can overflow.
const maxElems = 2 * MaxFrameSize

// ExpectedPayloadSize returns the byte size implied by dtype and shape.
// ok is false for SparseCOO, whose size is whatever the header declares.
// A size above MaxFrameSize is ErrShapeDtypeMismatch, including for slices
// recovered from compressed payloads.
func ExpectedPayloadSize(d DType, shape []uint32) (size int, ok bool, err error) {
	if len(shape) == 0 {
		return 0, false, fmt.Errorf("%w: empty shape", ErrShapeDtypeMismatch)
	}
	if len(shape) > math.MaxUint8 {
		return 0, false, fmt.Errorf("%w: %d dims exceeds shape_len", ErrStructuralMismatch, len(shape))
	}
	switch d {
	case DTypeF16, DTypeI8, DTypeQ4:
	case DTypeSparseCOO:
		// Dense shape of a sparse tensor; says nothing about the payload size.
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%w: dtype 0x%02x", ErrInvalidEnum, uint8(d))
	}
	elems := uint64(1)
	for _, dim := range shape {
		elems *= uint64(dim)
		if elems > maxElems {
			return 0, false, fmt.Errorf("%w: shape %v exceeds frame ceiling", ErrShapeDtypeMismatch, shape)
		}
	}
	var n uint64
	switch d {
	case DTypeF16:
		n = elems * 2
	case DTypeI8:
		n = elems
	default:
		n = (elems + 1) / 2
	}
	if n > MaxFrameSize {
		return 0, false, fmt.Errorf("%w: shape %v needs %d bytes, frame ceiling is %d", ErrShapeDtypeMismatch, shape, n, MaxFrameSize)
	}
	return int(n), true, nil
}

// Modality is the data category of a frame.
type Modality uint8

const (
	ModalityText  Modality = 0
	ModalityImage Modality = 1
	ModalityAudio Modality = 2
	ModalityGraph Modality = 3
	ModalityMixed Modality = 4
)

// ParseModality maps a wire byte to a Modality.
func ParseModality(b uint8) (Modality, error) {
	switch Modality(b) {
	case ModalityText, ModalityImage, ModalityAudio, ModalityGraph, ModalityMixed:
		return Modality(b), nil
	default:
		return 0, fmt.Errorf("%w: modality 0x%02x", ErrInvalidEnum, b)
	}
}

// ModalityFromName resolves "text", "image", "audio", "graph" or "mixed".
func ModalityFromName(name string) (Modality, error) {
	for m := ModalityText; m <= ModalityMixed; m++ {
		if strings.EqualFold(strings.TrimSpace(name), m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: modality %q", ErrInvalidEnum, name)
}

func (m Modality) String() string {
	switch m {
	case ModalityText:
		return "text"
	case ModalityImage:
		return "image"
	case ModalityAudio:
		return "audio"
	case ModalityGraph:
		return "graph"
	case ModalityMixed:
		return "mixed"
	default:
		return fmt.Sprintf("modality(%d)", uint8(m))
	}
}
