package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/danmuck/resonant/internal/observability"
	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/handshake"
	"github.com/danmuck/resonant/internal/protocol/integrity"
	"github.com/danmuck/resonant/internal/protocol/transform"
)

var (
	ErrHandshakeTimeout     = errors.New("peer: handshake timed out")
	ErrTransformNotAgreed   = errors.New("peer: transform not negotiated")
	ErrInvalidStreamRequest = errors.New("peer: invalid stream request")
)

// StreamRequest describes one outbound stream.
type StreamRequest struct {
	// StreamID zero picks a random id.
	StreamID  uint32
	Type      protocol.MsgType
	Modality  protocol.Modality
	Direction control.Direction
	// Data is sent as I8 chunks of at most ChunkSize bytes.
	Data []byte
	// Frames, when set, replaces Data: each entry is sent as one payload
	// frame carrying those slices with their dtype and shape intact.
	Frames   [][]frame.Slice
	Compress bool
	Encrypt   bool
	// HeartbeatEvery inserts a HEART after every N payload frames; zero
	// disables it.
	HeartbeatEvery int
}

// StreamReport summarizes a sent stream.
type StreamReport struct {
	StreamID   uint32
	Frames     int
	Bytes      int
	StrongHash uint64
	Took       time.Duration
}

// Sender writes streams to one remote peer.
type Sender struct {
	cfg      Config
	conn     net.PacketConn
	remote   net.Addr
	local    handshake.Capability
	pipeline *transform.Pipeline
	limiter  *rate.Limiter
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	agreement *handshake.Agreement
}

func NewSender(cfg Config, conn net.PacketConn, remote net.Addr, metrics *observability.Metrics) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil, cfg.NodeID)
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Sender{
		cfg:      cfg,
		conn:     conn,
		remote:   remote,
		local:    cfg.Capability(),
		pipeline: transform.NewPipeline(cfg.Key, cfg.CompressLevel),
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  metrics,
		logger:   log.Logger.With().Str("node", cfg.NodeID).Str("peer", remote.String()).Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Dial opens an ephemeral UDP socket towards cfg.PeerAddr.
func Dial(cfg Config, metrics *observability.Metrics) (*Sender, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	s, err := NewSender(cfg, conn, remote, metrics)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sender) Close() error {
	return s.conn.Close()
}

// Handshake pings the remote peer, negotiates its capability against the
// local one and announces the local capability back. Unanswered pings are
// retried with backoff up to MaxSendAttempts.
func (s *Sender) Handshake(ctx context.Context) (handshake.Agreement, error) {
	attempts := max(s.cfg.MaxSendAttempts, 1)
	buf := make([]byte, protocol.MaxFrameSize+1)
	for attempt := 1; attempt <= attempts; attempt++ {
		ping, err := handshake.SyncFrame(0, 0, s.local.SpaceHash32, handshake.NewPing(time.Now().Unix()))
		if err != nil {
			return handshake.Agreement{}, err
		}
		if err := s.write(ctx, ping); err != nil {
			return handshake.Agreement{}, err
		}

		remote, err := s.awaitCapability(ctx, buf)
		if err == nil {
			agreement, err := handshake.Negotiate(s.local, remote)
			if err != nil {
				return handshake.Agreement{}, err
			}
			announce, err := handshake.SyncFrame(0, 1, s.local.SpaceHash32, s.local)
			if err != nil {
				return handshake.Agreement{}, err
			}
			if err := s.write(ctx, announce); err != nil {
				return handshake.Agreement{}, err
			}
			s.mu.Lock()
			s.agreement = &agreement
			s.mu.Unlock()
			s.logger.Info().
				Uint32("proto", agreement.Proto).
				Strs("compress", agreement.Compress).
				Strs("crypto", agreement.Crypto).
				Msg("peer.Sender.Handshake negotiated")
			return agreement, nil
		}
		if !errors.Is(err, ErrHandshakeTimeout) {
			return handshake.Agreement{}, err
		}
		s.logger.Warn().Int("attempt", attempt).Msg("peer.Sender.Handshake no reply")
		if err := s.sleep(ctx, attempt); err != nil {
			return handshake.Agreement{}, err
		}
	}
	return handshake.Agreement{}, ErrHandshakeTimeout
}

func (s *Sender) awaitCapability(ctx context.Context, buf []byte) (handshake.Capability, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return handshake.Capability{}, err
		}
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return handshake.Capability{}, ctx.Err()
			}
			if retryable(err) {
				return handshake.Capability{}, ErrHandshakeTimeout
			}
			return handshake.Capability{}, err
		}
		f, err := frame.Decode(buf[:n])
		if err != nil {
			s.metrics.FrameDropped(protocol.Reason(err))
			continue
		}
		s.metrics.FrameReceived(f.Header.Type)
		if control.Classify(f) != control.RoleHandshake {
			s.metrics.FrameDropped(reasonUnexpectedReply)
			continue
		}
		msg, err := handshake.ParseSync(f)
		if err != nil {
			return handshake.Capability{}, err
		}
		if msg.Capability == nil {
			s.metrics.FrameDropped(reasonUnexpectedReply)
			continue
		}
		return *msg.Capability, nil
	}
}

// Agreement returns the negotiated handshake, if any.
func (s *Sender) Agreement() (handshake.Agreement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agreement == nil {
		return handshake.Agreement{}, false
	}
	return *s.agreement, true
}

// SendStream writes HEAD, the chunked payload frames and TAIL for req.
func (s *Sender) SendStream(ctx context.Context, req StreamRequest) (StreamReport, error) {
	start := time.Now()
	if !req.Type.IsPayload() {
		return StreamReport{}, fmt.Errorf("%w: type %s carries no payload", ErrInvalidStreamRequest, req.Type)
	}
	flags, err := s.transformFlags(req)
	if err != nil {
		return StreamReport{}, err
	}
	payloads, err := req.payloadFrames(s.cfg.ChunkSize)
	if err != nil {
		return StreamReport{}, err
	}
	id := req.StreamID
	if id == 0 {
		id = NewStreamID()
	}
	env := control.Envelope{
		StreamID:    id,
		SpaceHash32: s.spaceHash(),
		Modality:    req.Modality,
		Flags:       protocol.FlagStrongTailPresent,
	}

	hasher := integrity.NewStreamHasher()
	for _, slices := range payloads {
		for _, sl := range slices {
			_, _ = hasher.Write(sl.Payload)
		}
	}
	head := control.Head{
		TotalLen:   hasher.Len(),
		WeakHash:   hasher.Weak(),
		StrongHash: hasher.Strong(),
		Direction:  req.Direction,
	}
	if err := s.write(ctx, control.HeadFrame(env, head)); err != nil {
		return StreamReport{}, fmt.Errorf("head: %w", err)
	}

	report := StreamReport{StreamID: id, Frames: 1, Bytes: int(head.TotalLen), StrongHash: head.StrongHash}
	seq := uint64(1)
	for i, slices := range payloads {
		f := frame.New(frame.Header{
			Type:        req.Type,
			Flags:       flags,
			StreamID:    id,
			FrameSeq:    seq,
			SpaceHash32: env.SpaceHash32,
			Modality:    req.Modality,
		}, slices...)
		wire, err := s.pipeline.Apply(f)
		if err != nil {
			return report, fmt.Errorf("seq %d: %w", seq, err)
		}
		if err := s.write(ctx, wire); err != nil {
			return report, fmt.Errorf("seq %d: %w", seq, err)
		}
		seq++
		report.Frames++
		if req.HeartbeatEvery > 0 && (i+1)%req.HeartbeatEvery == 0 {
			if err := s.write(ctx, control.HeartFrame(env, req.Type, seq)); err != nil {
				return report, fmt.Errorf("heart %d: %w", seq, err)
			}
			seq++
			report.Frames++
		}
	}

	if err := s.write(ctx, control.TailFrame(env, seq, control.Tail{StrongHash: head.StrongHash})); err != nil {
		return report, fmt.Errorf("tail: %w", err)
	}
	report.Frames++
	report.Took = time.Since(start)
	s.logger.Info().
		Uint32("stream_id", id).
		Str("type", req.Type.String()).
		Int("bytes", report.Bytes).
		Int("frames", report.Frames).
		Dur("took", report.Took).
		Msg("peer.Sender.SendStream sent")
	return report, nil
}

// Heartbeat sends one HEART for an open stream.
func (s *Sender) Heartbeat(ctx context.Context, streamID uint32, t protocol.MsgType, seq uint64) error {
	env := control.Envelope{StreamID: streamID, SpaceHash32: s.spaceHash()}
	return s.write(ctx, control.HeartFrame(env, t, seq))
}

// payloadFrames returns the slices of each payload frame. Typed frames are
// checked up front so a bad slice fails the request before HEAD is sent.
func (r StreamRequest) payloadFrames(chunkSize int) ([][]frame.Slice, error) {
	if len(r.Frames) == 0 {
		var out [][]frame.Slice
		for _, chunk := range ChunkBytes(r.Data, chunkSize) {
			out = append(out, []frame.Slice{chunk})
		}
		return out, nil
	}
	if len(r.Data) > 0 {
		return nil, fmt.Errorf("%w: both Data and Frames set", ErrInvalidStreamRequest)
	}
	for i, slices := range r.Frames {
		if len(slices) == 0 {
			return nil, fmt.Errorf("%w: frame %d has no slices", ErrInvalidStreamRequest, i)
		}
		for j, sl := range slices {
			size, fixed, err := protocol.ExpectedPayloadSize(sl.Meta.DType, sl.Meta.Shape)
			if err != nil {
				return nil, fmt.Errorf("frame %d slice %d: %w", i, j, err)
			}
			if fixed && size != len(sl.Payload) {
				return nil, fmt.Errorf("%w: frame %d slice %d: %s shape %v expects %d bytes, has %d",
					protocol.ErrShapeDtypeMismatch, i, j, sl.Meta.DType, sl.Meta.Shape, size, len(sl.Payload))
			}
		}
		if n := frame.EncodedLen(frame.New(frame.Header{}, slices...)); n > protocol.MaxFrameSize {
			return nil, fmt.Errorf("%w: frame %d encodes to %d bytes", protocol.ErrFrameTooLarge, i, n)
		}
	}
	return r.Frames, nil
}

func (s *Sender) transformFlags(req StreamRequest) (protocol.Flags, error) {
	var flags protocol.Flags
	agreement, negotiated := s.Agreement()
	if req.Compress {
		if negotiated && !agreement.SupportsCompress(handshake.CompressZstd) {
			return 0, fmt.Errorf("%w: %s", ErrTransformNotAgreed, handshake.CompressZstd)
		}
		flags |= protocol.FlagCompressed
	}
	if req.Encrypt {
		if len(s.cfg.Key) == 0 {
			return 0, fmt.Errorf("%w: encryption requested without a key", ErrInvalidStreamRequest)
		}
		if negotiated && !agreement.SupportsCrypto(handshake.CryptoXChaCha) {
			return 0, fmt.Errorf("%w: %s", ErrTransformNotAgreed, handshake.CryptoXChaCha)
		}
		flags |= protocol.FlagEncrypted
	}
	return flags, nil
}

func (s *Sender) spaceHash() uint32 {
	if a, ok := s.Agreement(); ok {
		return a.SpaceHash32
	}
	return s.local.SpaceHash32
}

// write encodes f and sends it, waiting on the rate limiter and retrying
// transient errors with backoff.
func (s *Sender) write(ctx context.Context, f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	attempts := max(s.cfg.MaxSendAttempts, 1)
	for attempt := 1; ; attempt++ {
		if s.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		_, err = s.conn.WriteTo(b, s.remote)
		if err == nil {
			s.metrics.FrameSent(f.Header.Type)
			return nil
		}
		if !retryable(err) || attempt >= attempts {
			return err
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("peer.Sender.write retry")
		if err := s.sleep(ctx, attempt); err != nil {
			return err
		}
	}
}

func (s *Sender) sleep(ctx context.Context, attempt int) error {
	s.mu.Lock()
	delay := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
	s.mu.Unlock()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChunkBytes splits data into I8 slices of at most size bytes. Empty data
// yields no slices.
func ChunkBytes(data []byte, size int) []frame.Slice {
	if size <= 0 {
		size = len(data)
	}
	var out []frame.Slice
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunk := data[off:end]
		out = append(out, frame.Slice{
			Meta:    frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{uint32(len(chunk))}},
			Payload: chunk,
		})
	}
	return out
}

// NewStreamID returns a random non-zero stream id.
func NewStreamID() uint32 {
	for {
		u := uuid.New()
		if id := binary.LittleEndian.Uint32(u[:4]); id != 0 {
			return id
		}
	}
}
