package control

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/integrity"
	"github.com/danmuck/resonant/internal/testutil/testlog"
)

var testEnv = Envelope{
	StreamID:    0x1234,
	SpaceHash32: 2451163210,
	Modality:    protocol.ModalityText,
	Flags:       protocol.FlagStrongTailPresent | protocol.FlagCompressed,
}

func roundTrip(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	b, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := frame.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHeadFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	data := []byte("a hundred bytes of reasoning would go here")
	head := Head{
		TotalLen:   uint64(len(data)),
		WeakHash:   integrity.WeakHash(data),
		StrongHash: integrity.StrongHash(data),
		Direction:  Reverse,
	}
	f := roundTrip(t, HeadFrame(testEnv, head))

	if f.Header.FrameSeq != 0 || f.Header.Type != protocol.MsgSync {
		t.Fatalf("unexpected head header: %s", f)
	}
	if f.Header.Flags != protocol.FlagStrongTailPresent {
		t.Fatalf("head should carry only the strong tail flag, got %s", f.Header.Flags)
	}
	if Classify(f) != RoleHead {
		t.Fatalf("classify got=%s", Classify(f))
	}
	if len(f.Slices[0].Payload) != HeadRecordLen || HeadRecordLen != 37 {
		t.Fatalf("head record len got=%d", len(f.Slices[0].Payload))
	}
	got, err := ParseHead(f)
	if err != nil {
		t.Fatalf("parse head: %v", err)
	}
	if got != head {
		t.Fatalf("head mismatch got=%+v want=%+v", got, head)
	}
	if !got.HasWeakHash() {
		t.Fatalf("weak hash should be reported present")
	}
}

func TestTailFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	f := roundTrip(t, TailFrame(testEnv, 9, Tail{StrongHash: 0xfeedface}))
	if Classify(f) != RoleTail {
		t.Fatalf("classify got=%s", Classify(f))
	}
	if f.Header.FrameSeq != 9 {
		t.Fatalf("tail seq got=%d", f.Header.FrameSeq)
	}
	tail, err := ParseTail(f)
	if err != nil {
		t.Fatalf("parse tail: %v", err)
	}
	if tail.StrongHash != 0xfeedface {
		t.Fatalf("tail hash got=%#x", tail.StrongHash)
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	payload := frame.New(frame.Header{Type: protocol.MsgThink, FrameSeq: 1},
		frame.Slice{Meta: frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{3}}, Payload: []byte("abc")})
	handshake := frame.New(frame.Header{Type: protocol.MsgSync},
		frame.Slice{Meta: frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{2}}, Payload: []byte("{}")})
	heart := HeartFrame(testEnv, protocol.MsgThink, 4)
	syncHeart := HeartFrame(testEnv, protocol.MsgSync, 4)

	cases := []struct {
		name string
		f    frame.Frame
		want Role
	}{
		{"payload", payload, RolePayload},
		{"handshake", handshake, RoleHandshake},
		{"heart", heart, RoleHeart},
		{"sync-heart", syncHeart, RoleHeart},
	}
	for _, tc := range cases {
		if got := Classify(tc.f); got != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.name, got, tc.want)
		}
	}
}

func TestParseHeadRejectsBadRecords(t *testing.T) {
	testlog.Start(t)
	rec, _ := Head{TotalLen: 1, Direction: Forward}.MarshalBinary()

	var h Head
	if err := h.UnmarshalBinary(rec[:len(rec)-1]); !errors.Is(err, protocol.ErrStructuralMismatch) {
		t.Fatalf("short record: expected ErrStructuralMismatch, got %v", err)
	}

	badDir := append([]byte(nil), rec...)
	badDir[len(badDir)-1] = 2
	if err := h.UnmarshalBinary(badDir); !errors.Is(err, protocol.ErrInvalidEnum) {
		t.Fatalf("bad direction: expected ErrInvalidEnum, got %v", err)
	}

	badMagic := append([]byte(nil), rec...)
	badMagic[0] = 'X'
	if err := h.UnmarshalBinary(badMagic); !errors.Is(err, protocol.ErrStructuralMismatch) {
		t.Fatalf("bad magic: expected ErrStructuralMismatch, got %v", err)
	}

	var tail Tail
	if err := tail.UnmarshalBinary([]byte("RPTL")); !errors.Is(err, protocol.ErrStructuralMismatch) {
		t.Fatalf("short tail: expected ErrStructuralMismatch, got %v", err)
	}
}

func TestZeroWeakHashIsAbsent(t *testing.T) {
	testlog.Start(t)
	if (Head{TotalLen: 10}).HasWeakHash() {
		t.Fatalf("zero weak hash reported present")
	}
}

func TestBuildersEmbedMarshaledRecords(t *testing.T) {
	testlog.Start(t)
	head := Head{TotalLen: 9, StrongHash: 0xfeed, Direction: Forward}
	tail := Tail{StrongHash: 0xfeed}
	wantHead, err := head.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal head: %v", err)
	}
	wantTail, err := tail.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tail: %v", err)
	}
	hf := HeadFrame(testEnv, head)
	tf := TailFrame(testEnv, 4, tail)
	if !bytes.Equal(hf.Slices[0].Payload, wantHead) {
		t.Fatalf("head frame record differs from MarshalBinary")
	}
	if !bytes.Equal(tf.Slices[0].Payload, wantTail) || len(wantTail) != TailRecordLen {
		t.Fatalf("tail frame record differs from MarshalBinary")
	}
	if hf.Header.SliceLens.At(0) != HeadRecordLen || tf.Header.SliceLens.At(0) != TailRecordLen {
		t.Fatalf("slice_len got head=%d tail=%d", hf.Header.SliceLens.At(0), tf.Header.SliceLens.At(0))
	}
}
