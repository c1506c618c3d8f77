package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/integrity"
)

// Decode parses one encoded frame. The CRC32 trailer is verified before any
// field is interpreted, so corruption anywhere in the frame surfaces as
// ErrChecksumMismatch. That includes a frame cut short mid-payload: its last
// four bytes are read as the trailer and fail the check. ErrTruncated is
// returned for input shorter than MinLen, and for a frame whose CRC matches
// but whose declared lengths run past its body. Slice payloads are copied;
// data may be reused by the caller once Decode returns. On error no partial
// frame is returned.
func Decode(data []byte) (Frame, error) {
	if len(data) < MinLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", protocol.ErrTruncated, len(data), MinLen)
	}
	if len(data) > protocol.MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes exceeds %d", protocol.ErrFrameTooLarge, len(data), protocol.MaxFrameSize)
	}

	body := data[:len(data)-TrailerLen]
	want := binary.LittleEndian.Uint32(data[len(data)-TrailerLen:])
	if got := integrity.CRC32(body); got != want {
		return Frame{}, fmt.Errorf("%w: trailer %#08x, computed %#08x", protocol.ErrChecksumMismatch, want, got)
	}

	f, err := parse(body, len(data))
	if err != nil {
		return Frame{}, err
	}
	f.CRC32 = want
	return f, nil
}

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) take(n int, what string) ([]byte, error) {
	if n < 0 || n > c.remaining() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d remain", protocol.ErrTruncated, what, n, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8(what string) (uint8, error) {
	b, err := c.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u32(what string) (uint32, error) {
	b, err := c.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// parse reads the fields of body in wire order. frameLen is the full frame
// length, CRC included, used to bound declared slice lengths.
func parse(body []byte, frameLen int) (Frame, error) {
	c := &cursor{buf: body}
	prefix, err := c.take(PrefixLen, "header prefix")
	if err != nil {
		return Frame{}, err
	}

	var h Header
	h.Version = prefix[0]
	if h.Version != protocol.Version {
		return Frame{}, fmt.Errorf("%w: %d", protocol.ErrUnsupportedVersion, h.Version)
	}
	if h.Type, err = protocol.ParseMsgType(prefix[1]); err != nil {
		return Frame{}, err
	}
	if h.Flags, err = protocol.ParseFlags(binary.LittleEndian.Uint16(prefix[2:4])); err != nil {
		return Frame{}, err
	}
	h.StreamID = binary.LittleEndian.Uint32(prefix[4:8])
	h.FrameSeq = binary.LittleEndian.Uint64(prefix[8:16])
	h.NumSlices = binary.LittleEndian.Uint64(prefix[16:24])

	if h.SliceLens, err = readSliceLens(c, h.NumSlices); err != nil {
		return Frame{}, err
	}
	if h.SpaceHash32, err = c.u32("space_hash32"); err != nil {
		return Frame{}, err
	}
	mod, err := c.u8("modality")
	if err != nil {
		return Frame{}, err
	}
	if h.Modality, err = protocol.ParseModality(mod); err != nil {
		return Frame{}, err
	}

	// readSliceLens bounded NumSlices by the frame size, so the conversion is safe.
	n := int(h.NumSlices)
	slices := make([]Slice, 0, n)
	for i := 0; i < n; i++ {
		s, err := readSlice(c, h, i, frameLen)
		if err != nil {
			return Frame{}, fmt.Errorf("slice[%d]: %w", i, err)
		}
		slices = append(slices, s)
	}

	if c.remaining() != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes before crc", protocol.ErrStructuralMismatch, c.remaining())
	}
	return Frame{Header: h, Slices: slices}, nil
}

// readSliceLens reads one shared value for frames with zero or one slice and
// num_slices values otherwise; the count alone disambiguates the layout.
func readSliceLens(c *cursor, numSlices uint64) (SliceLens, error) {
	if numSlices <= 1 {
		v, err := c.u32("slice_len")
		if err != nil {
			return SliceLens{}, err
		}
		lens := SharedLen(v)
		if err := lens.check(numSlices); err != nil {
			return SliceLens{}, err
		}
		return lens, nil
	}
	if numSlices > uint64(c.remaining()/sliceLenWidth) {
		return SliceLens{}, fmt.Errorf(
			"%w: num_slices %d cannot fit in %d remaining bytes",
			protocol.ErrTruncated,
			numSlices,
			c.remaining(),
		)
	}
	values := make([]uint32, numSlices)
	for i := range values {
		v, err := c.u32("slice_len")
		if err != nil {
			return SliceLens{}, err
		}
		values[i] = v
	}
	return SliceLens{values: values}, nil
}

func readSlice(c *cursor, h Header, i int, frameLen int) (Slice, error) {
	code, err := c.u8("dtype")
	if err != nil {
		return Slice{}, err
	}
	dtype, err := protocol.ParseDType(code)
	if err != nil {
		return Slice{}, err
	}
	shapeLen, err := c.u8("shape_len")
	if err != nil {
		return Slice{}, err
	}
	dims, err := c.take(int(shapeLen)*dimWidth, "shape")
	if err != nil {
		return Slice{}, err
	}
	shape := make([]uint32, shapeLen)
	for d := range shape {
		shape[d] = binary.LittleEndian.Uint32(dims[d*dimWidth:])
	}
	meta := SliceMeta{DType: dtype, Shape: shape}

	declared := h.SliceLens.At(i)
	if uint64(declared) > uint64(frameLen) {
		return Slice{}, fmt.Errorf(
			"%w: declared %d bytes in a %d byte frame",
			protocol.ErrDeclaredLengthExceedsFrame,
			declared,
			frameLen,
		)
	}
	if err := checkShape(meta, declared, h.Flags); err != nil {
		return Slice{}, err
	}
	raw, err := c.take(int(declared), "payload")
	if err != nil {
		return Slice{}, err
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return Slice{Meta: meta, Payload: payload}, nil
}
