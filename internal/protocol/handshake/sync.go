package handshake

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/frame"
)

// Message is one parsed handshake payload; exactly one field is set.
type Message struct {
	Ping       *Ping
	Capability *Capability
}

func (m Message) Method() string {
	switch {
	case m.Ping != nil:
		return MethodPing
	case m.Capability != nil:
		return MethodCapability
	default:
		return ""
	}
}

type methodEnvelope struct {
	Method string `json:"method"`
}

// SyncFrame wraps v as the JSON payload of a Sync frame's single I8 slice.
func SyncFrame(streamID uint32, seq uint64, spaceHash uint32, v any) (frame.Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.New(frame.Header{
		Type:        protocol.MsgSync,
		StreamID:    streamID,
		FrameSeq:    seq,
		SpaceHash32: spaceHash,
	}, frame.Slice{
		Meta:    frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{uint32(len(payload))}},
		Payload: payload,
	}), nil
}

// ParseSync decodes the handshake record in slice 0 of a Sync frame.
// Capabilities are validated before they are returned.
func ParseSync(f frame.Frame) (Message, error) {
	if f.Header.Type != protocol.MsgSync || len(f.Slices) == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrNotSync, f)
	}
	return ParsePayload(f.Slices[0].Payload)
}

// ParsePayload decodes a raw handshake JSON document.
func ParsePayload(payload []byte) (Message, error) {
	var env methodEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidCapability, err)
	}
	switch env.Method {
	case MethodPing:
		var p Ping
		if err := json.Unmarshal(payload, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrInvalidCapability, err)
		}
		return Message{Ping: &p}, nil
	case MethodCapability:
		var c Capability
		if err := json.Unmarshal(payload, &c); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrInvalidCapability, err)
		}
		if err := c.Validate(); err != nil {
			return Message{}, err
		}
		return Message{Capability: &c}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMethod, env.Method)
	}
}
