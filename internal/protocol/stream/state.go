package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/integrity"
)

// State is the lifecycle position of one stream.
type State int

const (
	StateAwaitingHead State = iota
	StateAccumulating
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHead:
		return "awaiting_head"
	case StateAccumulating:
		return "accumulating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further frame can change the stream.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Assembled is a completed, verified stream.
type Assembled struct {
	StreamID    uint32
	Direction   control.Direction
	Type        protocol.MsgType
	Modality    protocol.Modality
	SpaceHash32 uint32
	Bytes       []byte
	StrongHash  uint64
	Frames      int
	OpenedAt    time.Time
	CompletedAt time.Time
}

// Status is a point-in-time view of one open stream.
type Status struct {
	StreamID  uint32
	State     State
	Direction control.Direction
	Type      protocol.MsgType
	Received  uint64
	TotalLen  uint64
	LastSeq   uint64
	Frames    int
	OpenedAt  time.Time
	LastSeen  time.Time
}

type streamState struct {
	mu sync.Mutex

	id         uint32
	state      State
	head       control.Head
	strongTail bool
	hasher     *integrity.StreamHasher
	buf        []byte
	lastSeq    uint64
	frames     int
	msgType    protocol.MsgType
	typed      bool
	modality   protocol.Modality
	spaceHash  uint32
	openedAt   time.Time
	lastSeen   time.Time
}

func (s *streamState) status() Status {
	return Status{
		StreamID:  s.id,
		State:     s.state,
		Direction: s.head.Direction,
		Type:      s.msgType,
		Received:  s.hasher.Len(),
		TotalLen:  s.head.TotalLen,
		LastSeq:   s.lastSeq,
		Frames:    s.frames,
		OpenedAt:  s.openedAt,
		LastSeen:  s.lastSeen,
	}
}

// release drops the accumulator; a terminal stream holds no payload.
func (s *streamState) release(state State) {
	s.state = state
	s.buf = nil
}
