// Package stream reassembles ordered byte streams from decoded frames.
//
// A stream opens with HEAD (frame_seq 0), accumulates payload frames in
// strictly increasing frame_seq order, and completes on TAIL once the byte
// count and announced hashes agree. Any error on a known stream fails it and
// releases its state; other streams are unaffected. Streams are locked
// individually so distinct streams are processed in parallel.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/integrity"
)

// ErrHandshakeFrame is returned for Sync frames that are neither HEAD nor
// TAIL; they never touch stream state.
var ErrHandshakeFrame = errors.New("stream: handshake frame is not part of a stream")

// Reassembler owns every open stream keyed by stream_id.
type Reassembler struct {
	cfg Config

	// Lock order: streamState.mu before mu.
	mu      sync.RWMutex
	streams map[uint32]*streamState
}

func New(cfg Config) *Reassembler {
	return &Reassembler{
		cfg:     cfg,
		streams: make(map[uint32]*streamState),
	}
}

// Accept feeds one decoded, plaintext frame. It returns the assembled
// stream when f is a TAIL that completes it, and nil otherwise. Returned
// errors name the stream and wrap a protocol sentinel.
func (r *Reassembler) Accept(f frame.Frame, now time.Time) (*Assembled, error) {
	role := control.Classify(f)
	if role == control.RoleHandshake {
		return nil, ErrHandshakeFrame
	}
	id := f.Header.StreamID

	for {
		r.mu.RLock()
		st, ok := r.streams[id]
		r.mu.RUnlock()
		if !ok {
			created, err := r.open(f, role, now)
			if err != nil {
				return nil, fmt.Errorf("stream %#x: %w", id, err)
			}
			if created {
				return nil, nil
			}
			// Lost a race with a concurrent HEAD; route to the winner.
			continue
		}

		st.mu.Lock()
		if st.state.Terminal() {
			// Removed from the map before the lock was released; look again.
			st.mu.Unlock()
			continue
		}
		out, err := r.advance(st, f, role, now)
		if err != nil {
			r.failLocked(st)
			st.mu.Unlock()
			return nil, fmt.Errorf("stream %#x: %w", id, err)
		}
		if out != nil {
			r.removeLocked(st, StateCompleted)
		}
		st.mu.Unlock()
		return out, nil
	}
}

// open creates the stream for a HEAD frame. created is false when another
// goroutine created it first.
func (r *Reassembler) open(f frame.Frame, role control.Role, now time.Time) (created bool, err error) {
	if role != control.RoleHead {
		return false, fmt.Errorf("%w: %s frame seq %d on unknown stream", protocol.ErrMissingHead, role, f.Header.FrameSeq)
	}
	if f.Header.FrameSeq != 0 {
		return false, fmt.Errorf("%w: head at seq %d", protocol.ErrMissingHead, f.Header.FrameSeq)
	}
	head, err := control.ParseHead(f)
	if err != nil {
		return false, err
	}
	if r.cfg.MaxStreamBytes > 0 && head.TotalLen > r.cfg.MaxStreamBytes {
		return false, fmt.Errorf(
			"%w: head announces %d bytes, limit %d",
			protocol.ErrLengthMismatch,
			head.TotalLen,
			r.cfg.MaxStreamBytes,
		)
	}

	st := &streamState{
		id:         f.Header.StreamID,
		state:      StateAwaitingHead,
		head:       head,
		strongTail: f.Header.Flags.Has(protocol.FlagStrongTailPresent),
		hasher:     integrity.NewStreamHasher(),
		msgType:    f.Header.Type,
		modality:   f.Header.Modality,
		spaceHash:  f.Header.SpaceHash32,
		openedAt:   now,
		lastSeen:   now,
		frames:     1,
	}
	if head.TotalLen <= uint64(protocol.MaxFrameSize) {
		st.buf = make([]byte, 0, head.TotalLen)
	}
	st.state = StateAccumulating

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[st.id]; exists {
		return false, nil
	}
	r.streams[st.id] = st
	return true, nil
}

// advance applies f to an accumulating stream. st.mu is held.
func (r *Reassembler) advance(st *streamState, f frame.Frame, role control.Role, now time.Time) (*Assembled, error) {
	seq := f.Header.FrameSeq
	if seq <= st.lastSeq {
		return nil, fmt.Errorf("%w: seq %d after %d", protocol.ErrOutOfOrder, seq, st.lastSeq)
	}
	if role == control.RoleHead {
		return nil, fmt.Errorf("%w: head at seq %d inside open stream", protocol.ErrStructuralMismatch, seq)
	}
	st.lastSeq = seq
	st.lastSeen = now
	st.frames++

	switch role {
	case control.RoleHeart:
		return nil, nil
	case control.RolePayload:
		return nil, r.appendPayload(st, f)
	case control.RoleTail:
		return r.complete(st, f, now)
	default:
		return nil, fmt.Errorf("%w: unexpected %s frame", protocol.ErrStructuralMismatch, role)
	}
}

func (r *Reassembler) appendPayload(st *streamState, f frame.Frame) error {
	if f.Header.Flags.Transformed() {
		return fmt.Errorf("%w: payload frame seq %d still transformed", protocol.ErrPayloadTransformFailure, f.Header.FrameSeq)
	}
	if !st.typed {
		st.msgType = f.Header.Type
		st.typed = true
	}
	n := uint64(f.PayloadLen())
	total := st.hasher.Len() + n
	if total > st.head.TotalLen {
		return fmt.Errorf("%w: %d bytes exceeds announced %d", protocol.ErrLengthMismatch, total, st.head.TotalLen)
	}
	if r.cfg.MaxStreamBytes > 0 && total > r.cfg.MaxStreamBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", protocol.ErrLengthMismatch, total, r.cfg.MaxStreamBytes)
	}
	for _, s := range f.Slices {
		_, _ = st.hasher.Write(s.Payload)
	}
	st.buf = f.AppendPayload(st.buf)
	return nil
}

func (r *Reassembler) complete(st *streamState, f frame.Frame, now time.Time) (*Assembled, error) {
	tail, err := control.ParseTail(f)
	if err != nil {
		return nil, err
	}
	if got := st.hasher.Len(); got != st.head.TotalLen {
		return nil, fmt.Errorf("%w: received %d bytes, head announced %d", protocol.ErrLengthMismatch, got, st.head.TotalLen)
	}
	strong := st.hasher.Strong()
	if (st.strongTail || st.head.StrongHash != 0) && strong != st.head.StrongHash {
		return nil, fmt.Errorf(
			"%w: strong hash %#016x, head announced %#016x",
			protocol.ErrStreamIntegrityMismatch,
			strong,
			st.head.StrongHash,
		)
	}
	if (st.strongTail || tail.StrongHash != 0) && strong != tail.StrongHash {
		return nil, fmt.Errorf(
			"%w: strong hash %#016x, tail carries %#016x",
			protocol.ErrStreamIntegrityMismatch,
			strong,
			tail.StrongHash,
		)
	}
	if st.head.HasWeakHash() && st.hasher.Weak() != st.head.WeakHash {
		return nil, fmt.Errorf("%w: weak hash differs from head", protocol.ErrStreamIntegrityMismatch)
	}

	out := &Assembled{
		StreamID:    st.id,
		Direction:   st.head.Direction,
		Type:        st.msgType,
		Modality:    st.modality,
		SpaceHash32: st.spaceHash,
		Bytes:       st.buf,
		StrongHash:  strong,
		Frames:      st.frames,
		OpenedAt:    st.openedAt,
		CompletedAt: now,
	}
	if out.Bytes == nil {
		out.Bytes = []byte{}
	}
	return out, nil
}

// failLocked moves st to Failed and forgets it. st.mu is held.
func (r *Reassembler) failLocked(st *streamState) {
	r.removeLocked(st, StateFailed)
}

func (r *Reassembler) removeLocked(st *streamState, state State) {
	st.release(state)
	r.mu.Lock()
	if r.streams[st.id] == st {
		delete(r.streams, st.id)
	}
	r.mu.Unlock()
}

// Abort fails an open stream. It reports whether the stream existed.
func (r *Reassembler) Abort(streamID uint32) bool {
	r.mu.RLock()
	st, ok := r.streams[streamID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.Terminal() {
		return false
	}
	r.failLocked(st)
	return true
}

// AbortAll fails every open stream and returns their ids in ascending order.
func (r *Reassembler) AbortAll() []uint32 {
	var out []uint32
	for _, id := range r.ids() {
		if r.Abort(id) {
			out = append(out, id)
		}
	}
	return out
}

// Evict fails every stream idle for longer than IdleTimeout at now and
// returns their ids in ascending order.
func (r *Reassembler) Evict(now time.Time) []uint32 {
	if r.cfg.IdleTimeout <= 0 {
		return nil
	}
	var evicted []uint32
	for _, st := range r.snapshotStates() {
		st.mu.Lock()
		if !st.state.Terminal() && now.Sub(st.lastSeen) > r.cfg.IdleTimeout {
			r.failLocked(st)
			evicted = append(evicted, st.id)
		}
		st.mu.Unlock()
	}
	return evicted
}

// Snapshot lists open streams ordered by id.
func (r *Reassembler) Snapshot() []Status {
	states := r.snapshotStates()
	out := make([]Status, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.state.Terminal() {
			out = append(out, st.status())
		}
		st.mu.Unlock()
	}
	return out
}

// Len is the number of open streams.
func (r *Reassembler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func (r *Reassembler) snapshotStates() []*streamState {
	r.mu.RLock()
	out := make([]*streamState, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

func (r *Reassembler) ids() []uint32 {
	states := r.snapshotStates()
	out := make([]uint32, len(states))
	for i, st := range states {
		out[i] = st.id
	}
	return out
}
