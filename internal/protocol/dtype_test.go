package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/resonant/internal/testutil/testlog"
)

func TestExpectedPayloadSize(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		d     DType
		shape []uint32
		want  int
	}{
		{DTypeF16, []uint32{1, 2048}, 4096},
		{DTypeI8, []uint32{3, 5}, 15},
		{DTypeQ4, []uint32{7}, 4},
		{DTypeF16, []uint32{MaxFrameSize / 2}, MaxFrameSize},
		{DTypeQ4, []uint32{2 * MaxFrameSize}, MaxFrameSize},
	}
	for _, tc := range cases {
		got, fixed, err := ExpectedPayloadSize(tc.d, tc.shape)
		if err != nil || !fixed || got != tc.want {
			t.Fatalf("%s %v: got=%d fixed=%v err=%v, want %d", tc.d, tc.shape, got, fixed, err, tc.want)
		}
	}
	if _, fixed, err := ExpectedPayloadSize(DTypeSparseCOO, []uint32{1 << 30}); err != nil || fixed {
		t.Fatalf("sparse shape should be opaque: fixed=%v err=%v", fixed, err)
	}
}

func TestExpectedPayloadSizeFrameCeiling(t *testing.T) {
	testlog.Start(t)
	over := [][]uint32{
		{MaxFrameSize/2 + 1},
		{2, 2048, 16},
		{1 << 31, 1 << 31, 4},
	}
	for _, shape := range over {
		if _, _, err := ExpectedPayloadSize(DTypeF16, shape); !errors.Is(err, ErrShapeDtypeMismatch) {
			t.Fatalf("f16 %v: expected ErrShapeDtypeMismatch, got %v", shape, err)
		}
	}
	if _, _, err := ExpectedPayloadSize(DTypeI8, []uint32{MaxFrameSize + 1}); !errors.Is(err, ErrShapeDtypeMismatch) {
		t.Fatalf("i8: expected ErrShapeDtypeMismatch, got %v", err)
	}
}
