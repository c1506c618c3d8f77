package peer

import (
	"context"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/resonant/internal/observability"
)

// Run listens on cfg.ListenAddr and serves recv, plus the admin server when
// cfg.AdminAddr is set, until ctx is cancelled or either fails.
func Run(ctx context.Context, cfg Config, recv *Receiver, metrics *observability.Metrics, gatherer prometheus.Gatherer) error {
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recv.Serve(ctx, conn)
	})
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		admin := NewAdminServer(recv, metrics, gatherer)
		g.Go(func() error {
			return admin.Serve(ctx, addr)
		})
	}
	return g.Wait()
}
