package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/resonant/internal/archive"
	"github.com/danmuck/resonant/internal/observability"
	"github.com/danmuck/resonant/internal/peer"
	"github.com/danmuck/resonant/internal/protocol/stream"
)

func newRecvCmd() *cobra.Command {
	var archivePath string
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive and verify streams until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPeerConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sink peer.Sink = logSink()
			if archivePath != "" {
				store, err := archive.NewSQLiteSink(archivePath)
				if err != nil {
					return err
				}
				defer store.Close()
				sink = store
			}

			metrics := observability.Default(cfg.NodeID)
			recv, err := peer.NewReceiver(cfg, sink, metrics)
			if err != nil {
				return err
			}
			log.Info().
				Str("listen", cfg.ListenAddr).
				Str("admin", cfg.AdminAddr).
				Str("archive", archivePath).
				Bool("require_handshake", cfg.RequireHandshake).
				Msg("resonantctl.recv starting")
			return peer.Run(ctx, cfg, recv, metrics, prometheus.DefaultGatherer)
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "", "SQLite database to archive completed streams in")
	return cmd
}

func logSink() peer.SinkFunc {
	return func(_ context.Context, s *stream.Assembled) error {
		log.Info().
			Uint32("stream_id", s.StreamID).
			Str("type", s.Type.String()).
			Str("modality", s.Modality.String()).
			Str("direction", s.Direction.String()).
			Int("bytes", len(s.Bytes)).
			Str("strong_hash", formatHash(s.StrongHash)).
			Msg("resonantctl.recv stream")
		return nil
	}
}
