package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/resonant/internal/peer"
	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/frame"
	"github.com/danmuck/resonant/internal/protocol/handshake"
	"github.com/danmuck/resonant/internal/testutil/testlog"
)

func TestLoadPeerConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadPeerConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "resonant.local" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if cfg.AdminAddr != "127.0.0.1:7448" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if !cfg.RequireHandshake {
		t.Fatalf("expected require_handshake")
	}
	if cfg.IdleTimeout != 20*time.Second || cfg.SweepInterval != 2*time.Second {
		t.Fatalf("unexpected timers: idle=%v sweep=%v", cfg.IdleTimeout, cfg.SweepInterval)
	}
	if cfg.ChunkSize != 32000 || cfg.MaxStreamBytes != 32<<20 {
		t.Fatalf("unexpected limits: chunk=%d max=%d", cfg.ChunkSize, cfg.MaxStreamBytes)
	}
	if len(cfg.Key) != 32 || cfg.Key[31] != 0x1f {
		t.Fatalf("unexpected key: %x", cfg.Key)
	}
	if cfg.Backoff.InitialDelay != 25*time.Millisecond || cfg.Backoff.MaxDelay != 500*time.Millisecond || cfg.Backoff.Jitter {
		t.Fatalf("unexpected backoff: %+v", cfg.Backoff)
	}
	if cfg.MaxSendAttempts != 5 {
		t.Fatalf("unexpected attempts: %d", cfg.MaxSendAttempts)
	}
	// Keys absent from the file keep their defaults.
	if cfg.HeartbeatInterval != peer.DefaultConfig().HeartbeatInterval {
		t.Fatalf("unexpected heartbeat interval: %v", cfg.HeartbeatInterval)
	}
}

func TestLoadPeerConfigEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadPeerConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != peer.DefaultConfig().NodeID {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
}

func TestLoadPeerConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration": `idle_timeout = "soon"`,
		"key":      `key_hex = "zz"`,
		"key-size": `key_hex = "0011"`,
		"unknown":  `listen = "127.0.0.1:1"`,
		"chunk":    `chunk_size = 0`,
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), name+".toml")
		if err := os.WriteFile(path, []byte(body+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := loadPeerConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSendRequestFromFlags(t *testing.T) {
	testlog.Start(t)
	opts := sendOptions{file: "-", msgType: "critique", modality: "graph", reverse: true, compress: true}
	req, err := opts.request(strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Type != protocol.MsgCritique || req.Modality != protocol.ModalityGraph || req.Direction != control.Reverse {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.Data) != "payload" || !req.Compress || req.Encrypt {
		t.Fatalf("unexpected request body: %+v", req)
	}

	opts.msgType = "shout"
	if _, err := opts.request(strings.NewReader("")); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestSendRequestTypedTensors(t *testing.T) {
	testlog.Start(t)
	opts := sendOptions{file: "-", msgType: "think", modality: "text", dtype: "f16", shape: "1,2048"}
	req, err := opts.request(bytes.NewReader(make([]byte, 3*4096)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(req.Data) != 0 || len(req.Frames) != 3 {
		t.Fatalf("expected 3 typed frames, got data=%d frames=%d", len(req.Data), len(req.Frames))
	}
	for i, slices := range req.Frames {
		if len(slices) != 1 || slices[0].Meta.DType != protocol.DTypeF16 || len(slices[0].Payload) != 4096 {
			t.Fatalf("frame %d: unexpected slices %+v", i, slices[0].Meta)
		}
		if got := slices[0].Meta.Shape; len(got) != 2 || got[0] != 1 || got[1] != 2048 {
			t.Fatalf("frame %d: unexpected shape %v", i, got)
		}
	}

	opts = sendOptions{file: "-", msgType: "critique", modality: "text", dtype: "f16", shape: "16", explain: `{"reason":"drift"}`}
	req, err = opts.request(bytes.NewReader(make([]byte, 32)))
	if err != nil {
		t.Fatalf("critique request: %v", err)
	}
	if len(req.Frames) != 1 || len(req.Frames[0]) != 2 {
		t.Fatalf("expected one two-slice frame, got %+v", req.Frames)
	}
	note := req.Frames[0][1]
	if note.Meta.DType != protocol.DTypeI8 || string(note.Payload) != `{"reason":"drift"}` || note.Meta.Shape[0] != uint32(len(note.Payload)) {
		t.Fatalf("unexpected explanation slice: %+v", note)
	}

	bad := []sendOptions{
		{file: "-", msgType: "think", modality: "text", dtype: "f16"},
		{file: "-", msgType: "think", modality: "text", dtype: "f16", shape: "1,x"},
		{file: "-", msgType: "think", modality: "text", dtype: "f16", shape: "3"},
		{file: "-", msgType: "think", modality: "text", dtype: "f32", shape: "16"},
		{file: "-", msgType: "think", modality: "text", dtype: "f16", shape: "16", explain: "{}"},
	}
	for i, o := range bad {
		if _, err := o.request(bytes.NewReader(make([]byte, 32))); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, o)
		}
	}
}

func TestInspectFrame(t *testing.T) {
	testlog.Start(t)
	head := control.HeadFrame(control.Envelope{StreamID: 3, Flags: protocol.FlagStrongTailPresent}, control.Head{
		TotalLen:   10,
		StrongHash: 0xabcdef,
	})
	b, err := frame.Encode(head)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out bytes.Buffer
	if err := inspectFrame(&out, b); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"role       head", "stream_id  3", "total_len=10", "strong=0000000000abcdef"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, out.String())
		}
	}

	sync, err := handshake.SyncFrame(1, 0, 0, handshake.NewPing(1))
	if err != nil {
		t.Fatalf("sync frame: %v", err)
	}
	b, err = frame.Encode(sync)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out.Reset()
	if err := inspectFrame(&out, b); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out.String(), "method=ping") {
		t.Fatalf("missing ping in:\n%s", out.String())
	}

	b[0] ^= 0xff
	if err := inspectFrame(&out, b); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestArchiveCommands(t *testing.T) {
	testlog.Start(t)
	db := filepath.Join(t.TempDir(), "a.db")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"archive", "list", "--db", db})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("archive list: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ID") {
		t.Fatalf("unexpected list output: %q", out.String())
	}

	root = newRootCmd()
	root.SetArgs([]string{"archive", "get", "--db", db, "missing"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected not found")
	}
}
