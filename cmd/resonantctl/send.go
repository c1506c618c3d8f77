package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/resonant/internal/peer"
	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
)

type sendOptions struct {
	file      string
	msgType   string
	modality  string
	reverse   bool
	compress  bool
	encrypt   bool
	heartbeat int
	skipSync  bool
	dtype     string
	shape     string
	explain   string
}

func newSendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one file as a stream to peer_addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPeerConfig(configPath)
			if err != nil {
				return err
			}
			req, err := opts.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sender, err := peer.Dial(cfg, nil)
			if err != nil {
				return err
			}
			defer sender.Close()

			if !opts.skipSync {
				if _, err := sender.Handshake(cmd.Context()); err != nil {
					return fmt.Errorf("handshake: %w", err)
				}
			}
			report, err := sender.SendStream(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stream=%d frames=%d bytes=%d strong=%s took=%s\n",
				report.StreamID, report.Frames, report.Bytes, formatHash(report.StrongHash), report.Took)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "-", "payload file, - for stdin")
	cmd.Flags().StringVar(&opts.msgType, "type", "think", "message type: think, cache, ask or critique")
	cmd.Flags().StringVar(&opts.modality, "modality", "text", "modality: text, image, audio, graph or mixed")
	cmd.Flags().BoolVar(&opts.reverse, "reverse", false, "announce a reverse-direction stream")
	cmd.Flags().BoolVar(&opts.compress, "compress", false, "zstd-compress every slice")
	cmd.Flags().BoolVar(&opts.encrypt, "encrypt", false, "seal every slice with key_hex")
	cmd.Flags().IntVar(&opts.heartbeat, "heartbeat-every", 0, "send a HEART after every N payload frames")
	cmd.Flags().BoolVar(&opts.skipSync, "no-handshake", false, "skip the capability handshake")
	cmd.Flags().StringVar(&opts.dtype, "dtype", "", "send the payload as tensors of this dtype: f16, i8, q4 or sparse")
	cmd.Flags().StringVar(&opts.shape, "shape", "", "comma separated tensor shape, e.g. 1,2048; one frame per tensor")
	cmd.Flags().StringVar(&opts.explain, "explain", "", "critique only: JSON explanation sent as an i8 slice on the last frame")
	return cmd
}

func (o sendOptions) request(stdin io.Reader) (peer.StreamRequest, error) {
	t, err := protocol.MsgTypeFromName(strings.TrimSpace(o.msgType))
	if err != nil {
		return peer.StreamRequest{}, err
	}
	m, err := protocol.ModalityFromName(strings.TrimSpace(o.modality))
	if err != nil {
		return peer.StreamRequest{}, err
	}
	var data []byte
	if o.file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(o.file)
	}
	if err != nil {
		return peer.StreamRequest{}, fmt.Errorf("read payload: %w", err)
	}
	dir := control.Forward
	if o.reverse {
		dir = control.Reverse
	}
	req := peer.StreamRequest{
		Type:           t,
		Modality:       m,
		Direction:      dir,
		Compress:       o.compress,
		Encrypt:        o.encrypt,
		HeartbeatEvery: o.heartbeat,
	}
	if o.dtype == "" && o.shape == "" && o.explain == "" {
		req.Data = data
		return req, nil
	}
	if req.Frames, err = o.tensorFrames(t, data); err != nil {
		return peer.StreamRequest{}, err
	}
	return req, nil
}

// tensorFrames cuts data into consecutive tensors of the flagged dtype and
// shape. Sparse payloads have no fixed size and are sent as one tensor.
func (o sendOptions) tensorFrames(t protocol.MsgType, data []byte) ([][]frame.Slice, error) {
	if o.explain != "" && t != protocol.MsgCritique {
		return nil, fmt.Errorf("--explain needs --type critique, got %s", t)
	}
	name := strings.TrimSpace(o.dtype)
	if name == "" {
		name = "i8"
	}
	d, err := protocol.DTypeFromName(name)
	if err != nil {
		return nil, err
	}
	shape, err := parseShape(o.shape)
	if err != nil {
		return nil, err
	}
	if shape == nil {
		if d != protocol.DTypeI8 {
			return nil, fmt.Errorf("--shape is required for dtype %s", d)
		}
		shape = []uint32{uint32(len(data))}
	}
	size, fixed, err := protocol.ExpectedPayloadSize(d, shape)
	if err != nil {
		return nil, err
	}
	if !fixed {
		size = len(data)
	}
	if size == 0 || len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d payload bytes is not a whole number of %s %v tensors",
			protocol.ErrShapeDtypeMismatch, len(data), d, shape)
	}

	var out [][]frame.Slice
	for off := 0; off < len(data); off += size {
		out = append(out, []frame.Slice{{
			Meta:    frame.SliceMeta{DType: d, Shape: shape},
			Payload: data[off : off+size],
		}})
	}
	if o.explain != "" {
		note := []byte(o.explain)
		last := len(out) - 1
		out[last] = append(out[last], frame.Slice{
			Meta:    frame.SliceMeta{DType: protocol.DTypeI8, Shape: []uint32{uint32(len(note))}},
			Payload: note,
		})
	}
	return out, nil
}

func parseShape(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]uint32, 0, len(parts))
	for _, p := range parts {
		dim, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("shape %q: %w", s, err)
		}
		shape = append(shape, uint32(dim))
	}
	return shape, nil
}

func formatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
