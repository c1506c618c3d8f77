package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level accepted")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("empty level accepted")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogBypass, "not-a-bool")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level got=%v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("timestamp override ignored")
	}
	if !cfg.NoColor {
		t.Fatalf("nocolor override ignored")
	}
	if cfg.Bypass {
		t.Fatalf("invalid bypass value should be ignored")
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	log.Info().Uint32("stream_id", 7).Msg("logging.test")
	log.Debug().Msg("logging.test suppressed")

	out := buf.String()
	if !strings.Contains(out, `"stream_id":7`) || !strings.Contains(out, `"message":"logging.test"`) {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Fatalf("debug line written at info level: %q", out)
	}
}
