package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/handshake"
)

func newFrameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Frame utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode one encoded frame and print its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return inspectFrame(cmd.OutOrStdout(), b)
		},
	})
	return cmd
}

func inspectFrame(w io.Writer, b []byte) error {
	f, err := frame.Decode(b)
	if err != nil {
		return err
	}
	role := control.Classify(f)
	h := f.Header
	fmt.Fprintf(w, "role       %s\n", role)
	fmt.Fprintf(w, "version    %d\n", h.Version)
	fmt.Fprintf(w, "type       %s\n", h.Type)
	fmt.Fprintf(w, "flags      %s\n", h.Flags)
	fmt.Fprintf(w, "stream_id  %d\n", h.StreamID)
	fmt.Fprintf(w, "frame_seq  %d\n", h.FrameSeq)
	fmt.Fprintf(w, "space      %d\n", h.SpaceHash32)
	fmt.Fprintf(w, "modality   %s\n", h.Modality)
	fmt.Fprintf(w, "slice_lens %v\n", h.SliceLens.Values())
	fmt.Fprintf(w, "crc32      %08x\n", f.CRC32)
	for i, s := range f.Slices {
		fmt.Fprintf(w, "slice[%d]   dtype=%s shape=%v bytes=%d\n", i, s.Meta.DType, s.Meta.Shape, len(s.Payload))
	}

	switch role {
	case control.RoleHead:
		head, err := control.ParseHead(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "head       total_len=%d strong=%s weak=%x direction=%s\n",
			head.TotalLen, formatHash(head.StrongHash), head.WeakHash, head.Direction)
	case control.RoleTail:
		tail, err := control.ParseTail(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "tail       strong=%s\n", formatHash(tail.StrongHash))
	case control.RoleHandshake:
		msg, err := handshake.ParseSync(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "sync       method=%s payload=%s\n", msg.Method(), f.Slices[0].Payload)
	}
	return nil
}
