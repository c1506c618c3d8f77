// Package handshake owns the capability exchange carried in Sync frames.
//
// A client opens with {"method":"ping"}; the server answers with its
// capability record. Both sides then Negotiate the pair into an Agreement
// which gates every later payload frame on space_hash32.
package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/resonant/internal/protocol"
)

const (
	MethodPing       = "ping"
	MethodCapability = "capability"

	CompressZstd  = "zstd"
	CryptoXChaCha = "xchacha20poly1305"
)

var (
	ErrInvalidCapability = errors.New("handshake: invalid capability")
	ErrUnknownMethod     = errors.New("handshake: unknown method")
	ErrNotSync           = errors.New("handshake: not a sync frame")
	ErrSpaceMismatch     = errors.New("handshake: embedding space mismatch")
	ErrModelDimMismatch  = errors.New("handshake: model dimension mismatch")
)

// Supports is the open feature map. Keys other than critique and dtype are
// preserved verbatim across a decode/encode cycle.
type Supports struct {
	Critique bool
	DTypes   []string
	Extra    map[string]json.RawMessage
}

func (s Supports) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	critique, err := json.Marshal(s.Critique)
	if err != nil {
		return nil, err
	}
	out["critique"] = critique
	dtypes := s.DTypes
	if dtypes == nil {
		dtypes = []string{}
	}
	raw, err := json.Marshal(dtypes)
	if err != nil {
		return nil, err
	}
	out["dtype"] = raw
	return json.Marshal(out)
}

func (s *Supports) UnmarshalJSON(b []byte) error {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Supports{}
	if raw, ok := in["critique"]; ok {
		if err := json.Unmarshal(raw, &s.Critique); err != nil {
			return fmt.Errorf("supports.critique: %w", err)
		}
		delete(in, "critique")
	}
	if raw, ok := in["dtype"]; ok {
		if err := json.Unmarshal(raw, &s.DTypes); err != nil {
			return fmt.Errorf("supports.dtype: %w", err)
		}
		delete(in, "dtype")
	}
	if len(in) > 0 {
		s.Extra = in
	}
	return nil
}

// Capability is the handshake record a peer advertises.
type Capability struct {
	Method           string   `json:"method"`
	Version          uint32   `json:"v"`
	AgreedProto      uint32   `json:"agreed_proto"`
	DModel           uint32   `json:"d_model"`
	EmbeddingSpaceID string   `json:"embedding_space_id"`
	SpaceHash32      uint32   `json:"space_hash32"`
	Compress         []string `json:"compress"`
	Crypto           []string `json:"crypto"`
	Supports         Supports `json:"supports"`
}

// NewCapability returns a record advertising everything this implementation
// speaks.
func NewCapability(dModel uint32, spaceID string, spaceHash uint32) Capability {
	return Capability{
		Method:           MethodCapability,
		Version:          uint32(protocol.Version),
		AgreedProto:      uint32(protocol.Version),
		DModel:           dModel,
		EmbeddingSpaceID: spaceID,
		SpaceHash32:      spaceHash,
		Compress:         []string{CompressZstd},
		Crypto:           []string{CryptoXChaCha},
		Supports: Supports{
			Critique: true,
			DTypes: []string{
				protocol.DTypeF16.String(),
				protocol.DTypeI8.String(),
				protocol.DTypeQ4.String(),
				protocol.DTypeSparseCOO.String(),
			},
		},
	}
}

func (c Capability) Validate() error {
	if c.Method != MethodCapability {
		return fmt.Errorf("%w: method %q", ErrInvalidCapability, c.Method)
	}
	if c.Version == 0 {
		return fmt.Errorf("%w: missing v", ErrInvalidCapability)
	}
	if c.AgreedProto == 0 || c.AgreedProto > c.Version {
		return fmt.Errorf("%w: agreed_proto %d outside 1..%d", ErrInvalidCapability, c.AgreedProto, c.Version)
	}
	if c.DModel == 0 {
		return fmt.Errorf("%w: missing d_model", ErrInvalidCapability)
	}
	if strings.TrimSpace(c.EmbeddingSpaceID) == "" {
		return fmt.Errorf("%w: missing embedding_space_id", ErrInvalidCapability)
	}
	for i, name := range c.Supports.DTypes {
		if _, err := protocol.DTypeFromName(name); err != nil {
			return fmt.Errorf("%w: supports.dtype[%d]: %w", ErrInvalidCapability, i, err)
		}
	}
	return nil
}

// Ping opens the exchange.
type Ping struct {
	Method string `json:"method"`
	TS     int64  `json:"ts,omitempty"`
}

func NewPing(ts int64) Ping {
	return Ping{Method: MethodPing, TS: ts}
}

// Agreement is the negotiated outcome of two capability records.
type Agreement struct {
	Proto            uint32
	DModel           uint32
	EmbeddingSpaceID string
	SpaceHash32      uint32
	// Compress and Crypto keep the local preference order.
	Compress []string
	Crypto   []string
	DTypes   []string
	Critique bool
}

// Accepts reports whether a payload frame tagged with spaceHash belongs to
// the negotiated embedding space.
func (a Agreement) Accepts(spaceHash uint32) bool {
	return a.SpaceHash32 == spaceHash
}

func (a Agreement) SupportsCompress(name string) bool {
	return contains(a.Compress, name)
}

func (a Agreement) SupportsCrypto(name string) bool {
	return contains(a.Crypto, name)
}

// Negotiate combines the local and remote records. Both must describe the
// same embedding space and model width.
func Negotiate(local, remote Capability) (Agreement, error) {
	if err := local.Validate(); err != nil {
		return Agreement{}, fmt.Errorf("local: %w", err)
	}
	if err := remote.Validate(); err != nil {
		return Agreement{}, fmt.Errorf("remote: %w", err)
	}
	if local.SpaceHash32 != remote.SpaceHash32 || local.EmbeddingSpaceID != remote.EmbeddingSpaceID {
		return Agreement{}, fmt.Errorf(
			"%w: local %s/%d, remote %s/%d",
			ErrSpaceMismatch,
			local.EmbeddingSpaceID,
			local.SpaceHash32,
			remote.EmbeddingSpaceID,
			remote.SpaceHash32,
		)
	}
	if local.DModel != remote.DModel {
		return Agreement{}, fmt.Errorf("%w: local %d, remote %d", ErrModelDimMismatch, local.DModel, remote.DModel)
	}
	return Agreement{
		Proto:            min(local.AgreedProto, remote.AgreedProto),
		DModel:           local.DModel,
		EmbeddingSpaceID: local.EmbeddingSpaceID,
		SpaceHash32:      local.SpaceHash32,
		Compress:         intersect(local.Compress, remote.Compress),
		Crypto:           intersect(local.Crypto, remote.Crypto),
		DTypes:           intersect(local.Supports.DTypes, remote.Supports.DTypes),
		Critique:         local.Supports.Critique && remote.Supports.Critique,
	}, nil
}

func intersect(pref, other []string) []string {
	out := make([]string, 0, len(pref))
	for _, v := range pref {
		if contains(other, v) && !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
