package stream

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/integrity"
	"github.com/danmuck/resonant/internal/testutil/testlog"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func env(id uint32) control.Envelope {
	return control.Envelope{
		StreamID:    id,
		SpaceHash32: 2451163210,
		Modality:    protocol.ModalityText,
		Flags:       protocol.FlagStrongTailPresent,
	}
}

func headFor(id uint32, data []byte) frame.Frame {
	return control.HeadFrame(env(id), control.Head{
		TotalLen:   uint64(len(data)),
		WeakHash:   integrity.WeakHash(data),
		StrongHash: integrity.StrongHash(data),
		Direction:  control.Forward,
	})
}

func payloadFrame(id uint32, seq uint64, chunk []byte) frame.Frame {
	return frame.New(frame.Header{
		Type:        protocol.MsgThink,
		StreamID:    id,
		FrameSeq:    seq,
		SpaceHash32: 2451163210,
	}, frame.Slice{
		Meta:    frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{uint32(len(chunk))}},
		Payload: chunk,
	})
}

func tailFor(id uint32, seq uint64, data []byte) frame.Frame {
	return control.TailFrame(env(id), seq, control.Tail{StrongHash: integrity.StrongHash(data)})
}

// streamFrames splits data into chunk-sized payload frames between HEAD and TAIL.
func streamFrames(id uint32, data []byte, chunk int) []frame.Frame {
	out := []frame.Frame{headFor(id, data)}
	seq := uint64(1)
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		out = append(out, payloadFrame(id, seq, data[off:end]))
		seq++
	}
	return append(out, tailFor(id, seq, data))
}

func feed(t *testing.T, r *Reassembler, frames []frame.Frame) *Assembled {
	t.Helper()
	var done *Assembled
	for i, f := range frames {
		out, err := r.Accept(f, t0.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("frame %d (%s): %v", i, f, err)
		}
		if out != nil {
			done = out
		}
	}
	return done
}

func TestStreamCompletes(t *testing.T) {
	testlog.Start(t)
	data := testData(100)
	r := New(DefaultConfig())
	out := feed(t, r, streamFrames(1, data, 30))
	if out == nil {
		t.Fatalf("stream did not complete")
	}
	if !bytes.Equal(out.Bytes, data) {
		t.Fatalf("assembled bytes mismatch")
	}
	if out.StrongHash != integrity.StrongHash(data) || out.Frames != 6 {
		t.Fatalf("unexpected assembled stream: hash=%#x frames=%d", out.StrongHash, out.Frames)
	}
	if out.Type != protocol.MsgThink || out.Direction != control.Forward {
		t.Fatalf("type/direction got=%s/%s", out.Type, out.Direction)
	}
	if r.Len() != 0 {
		t.Fatalf("completed stream still tracked")
	}
}

func TestStreamSingleByteChangeFailsIntegrity(t *testing.T) {
	testlog.Start(t)
	data := testData(100)
	for pos := 0; pos < len(data); pos += 9 {
		r := New(DefaultConfig())
		frames := streamFrames(2, data, 40)
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= 0x01
		// Re-chunk the tampered payload under the original HEAD and TAIL.
		body := streamFrames(2, tampered, 40)
		frames = append(append([]frame.Frame{frames[0]}, body[1:len(body)-1]...), frames[len(frames)-1])

		var err error
		for _, f := range frames {
			if _, err = r.Accept(f, t0); err != nil {
				break
			}
		}
		if !errors.Is(err, protocol.ErrStreamIntegrityMismatch) {
			t.Fatalf("pos %d: expected ErrStreamIntegrityMismatch, got %v", pos, err)
		}
		if r.Len() != 0 {
			t.Fatalf("failed stream still tracked")
		}
	}
}

func TestWeakHashChecked(t *testing.T) {
	testlog.Start(t)
	data := testData(20)
	head := control.HeadFrame(control.Envelope{StreamID: 3}, control.Head{
		TotalLen: 20,
		WeakHash: integrity.WeakHash([]byte("something else entirely")),
	})
	r := New(DefaultConfig())
	if _, err := r.Accept(head, t0); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := r.Accept(payloadFrame(3, 1, data), t0); err != nil {
		t.Fatalf("payload: %v", err)
	}
	tail := control.TailFrame(control.Envelope{StreamID: 3}, 2, control.Tail{})
	if _, err := r.Accept(tail, t0); !errors.Is(err, protocol.ErrStreamIntegrityMismatch) {
		t.Fatalf("expected ErrStreamIntegrityMismatch, got %v", err)
	}
}

func TestHashesOptionalWithoutStrongTail(t *testing.T) {
	testlog.Start(t)
	data := testData(10)
	r := New(DefaultConfig())
	head := control.HeadFrame(control.Envelope{StreamID: 4}, control.Head{TotalLen: 10})
	frames := []frame.Frame{
		head,
		payloadFrame(4, 1, data),
		control.TailFrame(control.Envelope{StreamID: 4}, 2, control.Tail{}),
	}
	if out := feed(t, r, frames); out == nil || !bytes.Equal(out.Bytes, data) {
		t.Fatalf("stream without hashes should complete, got %+v", out)
	}
}

func TestHeadStrongHashCheckedWithoutFlag(t *testing.T) {
	testlog.Start(t)
	data := testData(100)
	tampered := bytes.Clone(data)
	tampered[42] ^= 0x01
	r := New(DefaultConfig())
	head := control.HeadFrame(control.Envelope{StreamID: 6}, control.Head{
		TotalLen:   uint64(len(data)),
		StrongHash: integrity.StrongHash(data),
	})
	for i, f := range []frame.Frame{head, payloadFrame(6, 1, tampered)} {
		if _, err := r.Accept(f, t0); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	out, err := r.Accept(control.TailFrame(control.Envelope{StreamID: 6}, 2, control.Tail{}), t0)
	if !errors.Is(err, protocol.ErrStreamIntegrityMismatch) {
		t.Fatalf("expected ErrStreamIntegrityMismatch, got out=%v err=%v", out, err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed stream still tracked")
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	testlog.Start(t)
	setup := func() *Reassembler {
		r := New(DefaultConfig())
		frames := []frame.Frame{headFor(5, testData(100))}
		for seq := uint64(1); seq <= 5; seq++ {
			frames = append(frames, payloadFrame(5, seq, testData(1)))
		}
		feed(t, r, frames)
		return r
	}

	for _, seq := range []uint64{5, 3} {
		r := setup()
		_, err := r.Accept(payloadFrame(5, seq, testData(1)), t0)
		if !errors.Is(err, protocol.ErrOutOfOrder) {
			t.Fatalf("seq %d: expected ErrOutOfOrder, got %v", seq, err)
		}
		if r.Len() != 0 {
			t.Fatalf("seq %d: stream should be failed and released", seq)
		}
	}

	r := setup()
	if _, err := r.Accept(payloadFrame(5, 6, testData(1)), t0); err != nil {
		t.Fatalf("seq 6 should be accepted: %v", err)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].LastSeq != 6 || snap[0].Received != 6 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGapsAreAllowed(t *testing.T) {
	testlog.Start(t)
	data := testData(10)
	r := New(DefaultConfig())
	frames := []frame.Frame{
		headFor(6, data),
		payloadFrame(6, 4, data[:5]),
		payloadFrame(6, 9, data[5:]),
		tailFor(6, 20, data),
	}
	if out := feed(t, r, frames); out == nil {
		t.Fatalf("stream with seq gaps should complete")
	}
}

func TestMissingHead(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	cases := []frame.Frame{
		payloadFrame(7, 1, testData(4)),
		control.HeartFrame(env(7), protocol.MsgThink, 1),
		tailFor(7, 2, testData(4)),
	}
	for _, f := range cases {
		if _, err := r.Accept(f, t0); !errors.Is(err, protocol.ErrMissingHead) {
			t.Fatalf("%s: expected ErrMissingHead, got %v", f, err)
		}
	}

	late := headFor(7, testData(4))
	late.Header.FrameSeq = 3
	if _, err := r.Accept(late, t0); !errors.Is(err, protocol.ErrMissingHead) {
		t.Fatalf("head at seq 3: expected ErrMissingHead, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected frames created state")
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	testlog.Start(t)
	cfg := Config{IdleTimeout: 10 * time.Second}
	r := New(cfg)
	if _, err := r.Accept(headFor(8, testData(4)), t0); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := r.Accept(control.HeartFrame(env(8), protocol.MsgThink, 1), t0.Add(8*time.Second)); err != nil {
		t.Fatalf("heart: %v", err)
	}
	if ev := r.Evict(t0.Add(15 * time.Second)); len(ev) != 0 {
		t.Fatalf("heartbeat did not refresh liveness, evicted %v", ev)
	}
	if _, err := r.Accept(control.HeartFrame(env(8), protocol.MsgThink, 1), t0.Add(16*time.Second)); !errors.Is(err, protocol.ErrOutOfOrder) {
		t.Fatalf("repeated heart seq: expected ErrOutOfOrder, got %v", err)
	}
}

func TestEvictIdleStreams(t *testing.T) {
	testlog.Start(t)
	r := New(Config{IdleTimeout: 30 * time.Second})
	if _, err := r.Accept(headFor(9, testData(4)), t0); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := r.Accept(headFor(10, testData(4)), t0.Add(20*time.Second)); err != nil {
		t.Fatalf("head: %v", err)
	}
	ev := r.Evict(t0.Add(31 * time.Second))
	if len(ev) != 1 || ev[0] != 9 {
		t.Fatalf("evicted got=%v want [9]", ev)
	}
	if _, err := r.Accept(payloadFrame(9, 1, testData(4)), t0.Add(32*time.Second)); !errors.Is(err, protocol.ErrMissingHead) {
		t.Fatalf("evicted stream: expected ErrMissingHead, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len got=%d want 1", r.Len())
	}
	if ev := New(Config{}).Evict(t0); ev != nil {
		t.Fatalf("zero timeout should never evict")
	}
}

func TestLengthOverflowFailsStream(t *testing.T) {
	testlog.Start(t)
	data := testData(10)
	r := New(DefaultConfig())
	if _, err := r.Accept(headFor(11, data), t0); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := r.Accept(payloadFrame(11, 1, testData(11)), t0); !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	short := []frame.Frame{headFor(12, data), payloadFrame(12, 1, data[:9])}
	feed(t, r, short)
	if _, err := r.Accept(tailFor(12, 2, data), t0); !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("short stream: expected ErrLengthMismatch, got %v", err)
	}

	capped := New(Config{MaxStreamBytes: 8})
	if _, err := capped.Accept(headFor(13, data), t0); !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("over cap: expected ErrLengthMismatch, got %v", err)
	}
	if capped.Len() != 0 {
		t.Fatalf("rejected head created state")
	}
}

func TestEmptyStreamCompletes(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	out := feed(t, r, []frame.Frame{headFor(14, nil), tailFor(14, 1, nil)})
	if out == nil || len(out.Bytes) != 0 || out.Bytes == nil {
		t.Fatalf("empty stream should complete with empty bytes, got %+v", out)
	}
}

func TestDuplicateHeadFailsStream(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	feed(t, r, []frame.Frame{headFor(15, testData(4))})
	if _, err := r.Accept(headFor(15, testData(4)), t0); !errors.Is(err, protocol.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("stream should be released")
	}
}

func TestTransformedPayloadRejected(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	feed(t, r, []frame.Frame{headFor(16, testData(4))})
	f := payloadFrame(16, 1, testData(4))
	f.Header.Flags = protocol.FlagCompressed
	if _, err := r.Accept(f, t0); !errors.Is(err, protocol.ErrPayloadTransformFailure) {
		t.Fatalf("expected ErrPayloadTransformFailure, got %v", err)
	}
}

func TestHandshakeFrameIgnored(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	f := frame.New(frame.Header{Type: protocol.MsgSync, StreamID: 17},
		frame.Slice{Meta: frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{2}}, Payload: []byte("{}")})
	if _, err := r.Accept(f, t0); !errors.Is(err, ErrHandshakeFrame) {
		t.Fatalf("expected ErrHandshakeFrame, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	feed(t, r, []frame.Frame{headFor(18, testData(4)), headFor(19, testData(4))})
	if !r.Abort(18) || r.Abort(18) {
		t.Fatalf("abort should succeed exactly once")
	}
	if got := r.AbortAll(); len(got) != 1 || got[0] != 19 {
		t.Fatalf("abort all got=%v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("streams left after abort all")
	}
}

func TestStreamErrorDoesNotAffectOthers(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	good := testData(50)
	feed(t, r, []frame.Frame{headFor(20, good), headFor(21, testData(10))})
	if _, err := r.Accept(payloadFrame(21, 1, testData(11)), t0); err == nil {
		t.Fatalf("expected stream 21 to fail")
	}
	rest := streamFrames(20, good, 25)[1:]
	if out := feed(t, r, rest); out == nil || !bytes.Equal(out.Bytes, good) {
		t.Fatalf("stream 20 should complete independently")
	}
}

func TestConcurrentStreams(t *testing.T) {
	testlog.Start(t)
	r := New(DefaultConfig())
	const streams = 32
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			data := testData(int(id)*17 + 1)
			var done *Assembled
			for _, f := range streamFrames(id, data, 13) {
				out, err := r.Accept(f, time.Now())
				if err != nil {
					errs <- fmt.Errorf("stream %d: %w", id, err)
					return
				}
				if out != nil {
					done = out
				}
			}
			if done == nil || !bytes.Equal(done.Bytes, data) {
				errs <- fmt.Errorf("stream %d: bad assembly", id)
			}
		}(uint32(i + 100))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("streams left open: %d", r.Len())
	}
}
