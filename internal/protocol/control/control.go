// Package control builds and recognizes the stream control frames.
//
// HEAD and TAIL are Sync frames carrying one I8 slice whose payload starts
// with a four byte magic; HEART is any frame with zero slices. Everything
// else of type Sync is a capability handshake, and every other type carries
// application payload.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/integrity"
)

var (
	headMagic = [4]byte{'R', 'P', 'H', 'D'}
	tailMagic = [4]byte{'R', 'P', 'T', 'L'}
)

const (
	// HeadRecordLen is magic, total_len, weak hash, strong hash and direction.
	HeadRecordLen = 4 + 8 + integrity.WeakHashSize + 8 + 1
	// TailRecordLen is magic and strong hash.
	TailRecordLen = 4 + 8
)

// Direction is the stream direction announced in HEAD.
type Direction uint8

const (
	Forward Direction = 0
	Reverse Direction = 1
)

func ParseDirection(b uint8) (Direction, error) {
	switch Direction(b) {
	case Forward, Reverse:
		return Direction(b), nil
	default:
		return 0, fmt.Errorf("%w: direction %d", protocol.ErrInvalidEnum, b)
	}
}

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Role is what a decoded frame means to the stream layer.
type Role int

const (
	RolePayload Role = iota
	RoleHandshake
	RoleHead
	RoleHeart
	RoleTail
)

func (r Role) String() string {
	switch r {
	case RolePayload:
		return "payload"
	case RoleHandshake:
		return "handshake"
	case RoleHead:
		return "head"
	case RoleHeart:
		return "heart"
	case RoleTail:
		return "tail"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Classify assigns f its role. A record with a HEAD magic but a non-zero
// frame_seq is still RoleHead; the reassembler rejects it.
func Classify(f frame.Frame) Role {
	if f.IsHeartbeat() {
		return RoleHeart
	}
	if f.Header.Type != protocol.MsgSync {
		return RolePayload
	}
	if len(f.Slices) == 1 && f.Slices[0].Meta.DType == protocol.DTypeI8 {
		p := f.Slices[0].Payload
		switch {
		case bytes.HasPrefix(p, headMagic[:]):
			return RoleHead
		case bytes.HasPrefix(p, tailMagic[:]):
			return RoleTail
		}
	}
	return RoleHandshake
}

// Head is the stream-opening record.
type Head struct {
	TotalLen   uint64
	WeakHash   [integrity.WeakHashSize]byte
	StrongHash uint64
	Direction  Direction
}

// HasWeakHash reports whether the sender announced a legacy weak hash.
func (h Head) HasWeakHash() bool {
	return h.WeakHash != [integrity.WeakHashSize]byte{}
}

func (h Head) MarshalBinary() ([]byte, error) {
	return h.record(), nil
}

// record is the HeadRecordLen-byte wire form of h.
func (h Head) record() []byte {
	b := make([]byte, 0, HeadRecordLen)
	b = append(b, headMagic[:]...)
	b = binary.LittleEndian.AppendUint64(b, h.TotalLen)
	b = append(b, h.WeakHash[:]...)
	b = binary.LittleEndian.AppendUint64(b, h.StrongHash)
	return append(b, byte(h.Direction))
}

func (h *Head) UnmarshalBinary(b []byte) error {
	if len(b) != HeadRecordLen {
		return fmt.Errorf("%w: head record is %d bytes, want %d", protocol.ErrStructuralMismatch, len(b), HeadRecordLen)
	}
	if !bytes.Equal(b[:4], headMagic[:]) {
		return fmt.Errorf("%w: head magic %q", protocol.ErrStructuralMismatch, b[:4])
	}
	dir, err := ParseDirection(b[HeadRecordLen-1])
	if err != nil {
		return err
	}
	h.TotalLen = binary.LittleEndian.Uint64(b[4:12])
	copy(h.WeakHash[:], b[12:12+integrity.WeakHashSize])
	h.StrongHash = binary.LittleEndian.Uint64(b[12+integrity.WeakHashSize:])
	h.Direction = dir
	return nil
}

// Tail is the stream-closing record.
type Tail struct {
	StrongHash uint64
}

func (t Tail) MarshalBinary() ([]byte, error) {
	return t.record(), nil
}

func (t Tail) record() []byte {
	b := make([]byte, 0, TailRecordLen)
	b = append(b, tailMagic[:]...)
	return binary.LittleEndian.AppendUint64(b, t.StrongHash)
}

func (t *Tail) UnmarshalBinary(b []byte) error {
	if len(b) != TailRecordLen {
		return fmt.Errorf("%w: tail record is %d bytes, want %d", protocol.ErrStructuralMismatch, len(b), TailRecordLen)
	}
	if !bytes.Equal(b[:4], tailMagic[:]) {
		return fmt.Errorf("%w: tail magic %q", protocol.ErrStructuralMismatch, b[:4])
	}
	t.StrongHash = binary.LittleEndian.Uint64(b[4:])
	return nil
}

// Envelope holds the header fields shared by every control frame of a stream.
type Envelope struct {
	StreamID    uint32
	SpaceHash32 uint32
	Modality    protocol.Modality
	// Flags is carried on HEAD; StrongTailPresent there enables the TAIL check.
	Flags protocol.Flags
}

func recordSlice(rec []byte) frame.Slice {
	return frame.Slice{
		Meta:    frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{uint32(len(rec))}},
		Payload: rec,
	}
}

// HeadFrame builds the HEAD frame (frame_seq 0) for a stream.
func HeadFrame(env Envelope, h Head) frame.Frame {
	return frame.New(frame.Header{
		Type:        protocol.MsgSync,
		Flags:       env.Flags & protocol.FlagStrongTailPresent,
		StreamID:    env.StreamID,
		FrameSeq:    0,
		SpaceHash32: env.SpaceHash32,
		Modality:    env.Modality,
	}, recordSlice(h.record()))
}

// TailFrame builds the TAIL frame at seq.
func TailFrame(env Envelope, seq uint64, t Tail) frame.Frame {
	return frame.New(frame.Header{
		Type:        protocol.MsgSync,
		StreamID:    env.StreamID,
		FrameSeq:    seq,
		SpaceHash32: env.SpaceHash32,
		Modality:    env.Modality,
	}, recordSlice(t.record()))
}

// HeartFrame builds a zero-slice keepalive of type t at seq.
func HeartFrame(env Envelope, t protocol.MsgType, seq uint64) frame.Frame {
	return frame.New(frame.Header{
		Type:        t,
		StreamID:    env.StreamID,
		FrameSeq:    seq,
		SpaceHash32: env.SpaceHash32,
		Modality:    env.Modality,
	})
}

// ParseHead extracts the HEAD record from a frame classified as RoleHead.
func ParseHead(f frame.Frame) (Head, error) {
	if len(f.Slices) != 1 {
		return Head{}, fmt.Errorf("%w: head frame has %d slices", protocol.ErrStructuralMismatch, len(f.Slices))
	}
	var h Head
	if err := h.UnmarshalBinary(f.Slices[0].Payload); err != nil {
		return Head{}, err
	}
	return h, nil
}

// ParseTail extracts the TAIL record from a frame classified as RoleTail.
func ParseTail(f frame.Frame) (Tail, error) {
	if len(f.Slices) != 1 {
		return Tail{}, fmt.Errorf("%w: tail frame has %d slices", protocol.ErrStructuralMismatch, len(f.Slices))
	}
	var t Tail
	if err := t.UnmarshalBinary(f.Slices[0].Payload); err != nil {
		return Tail{}, err
	}
	return t, nil
}
