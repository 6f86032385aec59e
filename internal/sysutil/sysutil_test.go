package sysutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel_AllVariants(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel}, // case + trim
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel}, // empty -> info
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel}, // alias
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel}, // default
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetupLogger_JSONAndLevel(t *testing.T) {
	origLevel, origLog := zerolog.GlobalLevel(), log.Logger
	origCtx := zerolog.DefaultContextLogger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLog
		zerolog.DefaultContextLogger = origCtx
	})

	var buf bytes.Buffer
	logger := SetupLogger("warn", false, &buf)
	logger.Info().Msg("dropped")
	log.Warn().Str("k", "v").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("want one line, got %q", buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal(lines[0], &m); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if m["message"] != "kept" || m["k"] != "v" || m["time"] == nil {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestSetupLogger_Pretty(t *testing.T) {
	origLevel, origLog := zerolog.GlobalLevel(), log.Logger
	origCtx := zerolog.DefaultContextLogger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLog
		zerolog.DefaultContextLogger = origCtx
	})

	var buf bytes.Buffer
	l := SetupLogger("info", true, &buf)
	l.Info().Msg("hello")
	if bytes.HasPrefix(buf.Bytes(), []byte("{")) || !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("SYSUTIL_A=from-file\nSYSUTIL_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYSUTIL_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SYSUTIL_A") })

	loaded, err := LoadEnvFiles(filepath.Join(dir, "missing.env"), "", p)
	if err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != p {
		t.Fatalf("loaded = %v", loaded)
	}
	if got := os.Getenv("SYSUTIL_A"); got != "from-file" {
		t.Fatalf("SYSUTIL_A = %q", got)
	}
	if got := os.Getenv("SYSUTIL_B"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
}

func TestLoadEnvFiles_Malformed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(p, []byte("NOT A VALID LINE'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEnvFiles(p); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("got %q want %q", got, "x")
	}
	if got := FirstNonEmpty("", " "); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}
