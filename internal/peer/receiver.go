package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/resonant/internal/observability"
	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/handshake"
	"github.com/danmuck/resonant/internal/protocol/stream"
	"github.com/danmuck/resonant/internal/protocol/transform"
)

var (
	ErrSpaceGated      = errors.New("peer: frame outside negotiated embedding space")
	ErrHandshakeNeeded = errors.New("peer: payload before handshake")
)

// Drop reasons that do not come from a protocol sentinel.
const (
	reasonSpaceMismatch   = "space_mismatch"
	reasonNoHandshake     = "no_handshake"
	reasonHandshake       = "handshake_rejected"
	reasonIdleTimeout     = "idle_timeout"
	reasonShutdown        = "shutdown"
	reasonUnexpectedReply = "unexpected_reply"
)

// Sink receives completed, verified streams.
type Sink interface {
	Deliver(ctx context.Context, s *stream.Assembled) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s *stream.Assembled) error

func (f SinkFunc) Deliver(ctx context.Context, s *stream.Assembled) error {
	return f(ctx, s)
}

// Receiver turns datagrams into delivered streams. One Receiver serves one
// remote peer; HandleDatagram is safe for concurrent use.
type Receiver struct {
	cfg      Config
	session  string
	local    handshake.Capability
	streams  *stream.Reassembler
	pipeline *transform.Pipeline
	metrics  *observability.Metrics
	sink     Sink
	started  time.Time
	logger   zerolog.Logger

	mu        sync.RWMutex
	agreement *handshake.Agreement
}

func NewReceiver(cfg Config, sink Sink, metrics *observability.Metrics) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidConfig)
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil, cfg.NodeID)
	}
	session := uuid.NewString()
	return &Receiver{
		cfg:      cfg,
		session:  session,
		local:    cfg.Capability(),
		streams:  stream.New(cfg.StreamConfig()),
		pipeline: transform.NewPipeline(cfg.Key, cfg.CompressLevel),
		metrics:  metrics,
		sink:     sink,
		started:  time.Now(),
		logger:   log.Logger.With().Str("node", cfg.NodeID).Str("session", session).Logger(),
	}, nil
}

// Agreement returns the negotiated handshake, if any.
func (r *Receiver) Agreement() (handshake.Agreement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.agreement == nil {
		return handshake.Agreement{}, false
	}
	return *r.agreement, true
}

// Streams lists open streams.
func (r *Receiver) Streams() []stream.Status {
	return r.streams.Snapshot()
}

func (r *Receiver) Session() string {
	return r.session
}

func (r *Receiver) Uptime() time.Duration {
	return time.Since(r.started)
}

// HandleDatagram processes one datagram. reply is non-nil when the datagram
// needs an answer (a ping). Every rejection is logged and counted before it
// is returned; callers may ignore the error.
func (r *Receiver) HandleDatagram(ctx context.Context, b []byte, now time.Time) (reply []byte, err error) {
	f, err := frame.Decode(b)
	if err != nil {
		r.drop(protocol.Reason(err), err, "peer.Receiver.HandleDatagram decode")
		return nil, err
	}
	r.metrics.FrameReceived(f.Header.Type)
	defer func() { r.metrics.SetActiveStreams(r.streams.Len()) }()

	switch role := control.Classify(f); role {
	case control.RoleHandshake:
		return r.handleSync(f)
	case control.RolePayload:
		if err := r.gate(f); err != nil {
			return nil, err
		}
		plain, err := r.pipeline.Revert(f)
		if err != nil {
			if protocol.Scope(err) == protocol.ScopeStream && r.streams.Abort(f.Header.StreamID) {
				r.failed(f.Header.StreamID, protocol.Reason(err), err)
			} else {
				r.drop(protocol.Reason(err), err, "peer.Receiver.HandleDatagram revert")
			}
			return nil, err
		}
		f = plain
	}

	assembled, err := r.streams.Accept(f, now)
	if err != nil {
		r.failed(f.Header.StreamID, protocol.Reason(err), err)
		return nil, err
	}
	if assembled == nil {
		return nil, nil
	}
	r.metrics.StreamCompleted(assembled.Type, len(assembled.Bytes), assembled.CompletedAt.Sub(assembled.OpenedAt))
	r.logger.Info().
		Uint32("stream_id", assembled.StreamID).
		Str("type", assembled.Type.String()).
		Int("bytes", len(assembled.Bytes)).
		Int("frames", assembled.Frames).
		Msg("peer.Receiver stream completed")
	if err := r.sink.Deliver(ctx, assembled); err != nil {
		r.logger.Error().Err(err).Uint32("stream_id", assembled.StreamID).Msg("peer.Receiver sink deliver")
		return nil, err
	}
	return nil, nil
}

// gate applies the handshake and embedding-space checks to a payload frame.
func (r *Receiver) gate(f frame.Frame) error {
	agreement, ok := r.Agreement()
	if !ok {
		if r.cfg.RequireHandshake {
			r.drop(reasonNoHandshake, ErrHandshakeNeeded, "peer.Receiver.gate")
			return ErrHandshakeNeeded
		}
		return nil
	}
	if !agreement.Accepts(f.Header.SpaceHash32) {
		err := fmt.Errorf("%w: got %d, negotiated %d", ErrSpaceGated, f.Header.SpaceHash32, agreement.SpaceHash32)
		r.drop(reasonSpaceMismatch, err, "peer.Receiver.gate")
		return err
	}
	return nil
}

func (r *Receiver) handleSync(f frame.Frame) ([]byte, error) {
	msg, err := handshake.ParseSync(f)
	if err != nil {
		r.drop(reasonHandshake, err, "peer.Receiver.handleSync parse")
		return nil, err
	}
	switch {
	case msg.Ping != nil:
		out, err := handshake.SyncFrame(f.Header.StreamID, f.Header.FrameSeq, r.local.SpaceHash32, r.local)
		if err != nil {
			return nil, err
		}
		b, err := frame.Encode(out)
		if err != nil {
			return nil, err
		}
		r.logger.Debug().Int64("ts", msg.Ping.TS).Msg("peer.Receiver.handleSync ping")
		r.metrics.FrameSent(protocol.MsgSync)
		return b, nil
	case msg.Capability != nil:
		agreement, err := handshake.Negotiate(r.local, *msg.Capability)
		if err != nil {
			r.drop(reasonHandshake, err, "peer.Receiver.handleSync negotiate")
			return nil, err
		}
		r.mu.Lock()
		r.agreement = &agreement
		r.mu.Unlock()
		r.logger.Info().
			Uint32("proto", agreement.Proto).
			Uint32("space_hash32", agreement.SpaceHash32).
			Strs("compress", agreement.Compress).
			Strs("crypto", agreement.Crypto).
			Msg("peer.Receiver.handleSync negotiated")
		return nil, nil
	default:
		r.drop(reasonUnexpectedReply, handshake.ErrUnknownMethod, "peer.Receiver.handleSync")
		return nil, handshake.ErrUnknownMethod
	}
}

// Sweep evicts idle streams at now.
func (r *Receiver) Sweep(now time.Time) []uint32 {
	evicted := r.streams.Evict(now)
	for _, id := range evicted {
		r.failed(id, reasonIdleTimeout, nil)
	}
	r.metrics.SetActiveStreams(r.streams.Len())
	return evicted
}

func (r *Receiver) drop(reason string, err error, where string) {
	r.metrics.FrameDropped(reason)
	r.logger.Warn().Err(err).Str("reason", reason).Msg(where + " drop")
}

func (r *Receiver) failed(streamID uint32, reason string, err error) {
	r.metrics.StreamFailed(reason)
	r.logger.Warn().Err(err).Uint32("stream_id", streamID).Str("reason", reason).Msg("peer.Receiver stream failed")
}

// Serve reads datagrams from conn until ctx is cancelled, sweeping idle
// streams every SweepInterval. Open streams are aborted on return.
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return r.readLoop(ctx, conn)
	})
	if r.cfg.SweepInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					r.Sweep(now)
				}
			}
		})
	}
	err := g.Wait()
	for _, id := range r.streams.AbortAll() {
		r.failed(id, reasonShutdown, nil)
	}
	r.metrics.SetActiveStreams(0)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (r *Receiver) readLoop(ctx context.Context, conn net.PacketConn) error {
	r.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("peer.Receiver.Serve listening")
	buf := make([]byte, protocol.MaxFrameSize+1)
	for {
		if r.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if retryable(err) {
				continue
			}
			return err
		}
		reply, _ := r.HandleDatagram(ctx, buf[:n], time.Now())
		if reply == nil {
			continue
		}
		if r.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		}
		if _, err := conn.WriteTo(reply, from); err != nil {
			r.logger.Warn().Err(err).Str("to", from.String()).Msg("peer.Receiver.Serve reply")
		}
	}
}
