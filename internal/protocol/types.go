package protocol

import (
	"fmt"
	"strings"
)

const (
	// Version is the only frame version this implementation speaks.
	Version uint8 = 1

	// MaxFrameSize is the ceiling for one encoded frame, CRC included.
	MaxFrameSize = 64 * 1024
)

// MsgType is the frame message type byte.
type MsgType uint8

const (
	MsgThink    MsgType = 0
	MsgCache    MsgType = 1
	MsgAsk      MsgType = 2
	MsgSync     MsgType = 3
	MsgCritique MsgType = 4
)

// ParseMsgType maps a wire byte to a MsgType.
func ParseMsgType(b uint8) (MsgType, error) {
	switch MsgType(b) {
	case MsgThink, MsgCache, MsgAsk, MsgSync, MsgCritique:
		return MsgType(b), nil
	default:
		return 0, fmt.Errorf("%w: message type 0x%02x", ErrInvalidEnum, b)
	}
}

// MsgTypeFromName resolves a lowercase name ("think", "critique", ...).
func MsgTypeFromName(name string) (MsgType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "think":
		return MsgThink, nil
	case "cache":
		return MsgCache, nil
	case "ask":
		return MsgAsk, nil
	case "sync":
		return MsgSync, nil
	case "critique":
		return MsgCritique, nil
	default:
		return 0, fmt.Errorf("%w: message type %q", ErrInvalidEnum, name)
	}
}

func (t MsgType) String() string {
	switch t {
	case MsgThink:
		return "think"
	case MsgCache:
		return "cache"
	case MsgAsk:
		return "ask"
	case MsgSync:
		return "sync"
	case MsgCritique:
		return "critique"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// IsPayload reports whether frames of this type carry application payload.
func (t MsgType) IsPayload() bool {
	return t != MsgSync
}

// Flags is the frame flag bitset.
type Flags uint16

const (
	FlagCompressed        Flags = 1 << 0
	FlagEncrypted         Flags = 1 << 1
	FlagStrongTailPresent Flags = 1 << 2

	knownFlags = FlagCompressed | FlagEncrypted | FlagStrongTailPresent
)

// ParseFlags rejects any bit outside the known set.
func ParseFlags(v uint16) (Flags, error) {
	f := Flags(v)
	if f&^knownFlags != 0 {
		return 0, fmt.Errorf("%w: flags 0x%04x", ErrInvalidEnum, v)
	}
	return f, nil
}

func (f Flags) Has(bit Flags) bool {
	return f&bit == bit
}

// Transformed reports whether slice payloads are compressed or encrypted on the wire.
func (f Flags) Transformed() bool {
	return f&(FlagCompressed|FlagEncrypted) != 0
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if f.Has(FlagCompressed) {
		parts = append(parts, "compressed")
	}
	if f.Has(FlagEncrypted) {
		parts = append(parts, "encrypted")
	}
	if f.Has(FlagStrongTailPresent) {
		parts = append(parts, "strong_tail")
	}
	if rest := f &^ knownFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}
