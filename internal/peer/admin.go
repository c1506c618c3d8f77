package peer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/resonant/internal/observability"
)

// AdminServer exposes receiver health, open streams and metrics over HTTP.
type AdminServer struct {
	recv   *Receiver
	router *gin.Engine
}

// NewAdminServer builds the router. gatherer defaults to the global
// prometheus registry.
func NewAdminServer(recv *Receiver, metrics *observability.Metrics, gatherer prometheus.Gatherer) *AdminServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	if metrics != nil {
		r.Use(observability.RequestMetricsMiddleware(metrics))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &AdminServer{recv: recv, router: r}
	s.registerRoutes(gatherer)
	return s
}

func (s *AdminServer) Handler() http.Handler {
	return s.router
}

type streamView struct {
	StreamID  uint32 `json:"stream_id"`
	State     string `json:"state"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Received  uint64 `json:"received"`
	TotalLen  uint64 `json:"total_len"`
	LastSeq   uint64 `json:"last_seq"`
	Frames    int    `json:"frames"`
	IdleMS    int64  `json:"idle_ms"`
}

func (s *AdminServer) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", func(c *gin.Context) {
		agreement, negotiated := s.recv.Agreement()
		body := gin.H{
			"status":     "ok",
			"node":       s.recv.cfg.NodeID,
			"session":    s.recv.Session(),
			"uptime":     s.recv.Uptime().String(),
			"negotiated": negotiated,
			"streams":    len(s.recv.Streams()),
		}
		if negotiated {
			body["space_hash32"] = agreement.SpaceHash32
			body["proto"] = agreement.Proto
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.GET("/streams", func(c *gin.Context) {
		now := time.Now()
		snap := s.recv.Streams()
		out := make([]streamView, 0, len(snap))
		for _, st := range snap {
			out = append(out, streamView{
				StreamID:  st.StreamID,
				State:     st.State.String(),
				Type:      st.Type.String(),
				Direction: st.Direction.String(),
				Received:  st.Received,
				TotalLen:  st.TotalLen,
				LastSeq:   st.LastSeq,
				Frames:    st.Frames,
				IdleMS:    now.Sub(st.LastSeen).Milliseconds(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"streams": out})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Serve listens on addr until ctx is cancelled.
func (s *AdminServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("peer.AdminServer.Serve listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
