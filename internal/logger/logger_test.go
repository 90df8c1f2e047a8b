package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriter_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	w := cfg.ProcessWriter("fs")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("boom\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "fs.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestProcessWriter_NoDir(t *testing.T) {
	if w := (Config{}).ProcessWriter("x"); w != nil {
		t.Fatalf("expected nil writer without Dir")
	}
}

func TestProcessWriter_Defaults(t *testing.T) {
	w := Config{Dir: t.TempDir()}.ProcessWriter("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger: %T", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	w2 := Config{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.ProcessWriter("n")
	l2 := w2.(*lj.Logger)
	if l2.MaxSize != 1 || l2.MaxBackups != 9 || l2.MaxAge != 2 || !l2.Compress {
		t.Fatalf("overrides not applied: %+v", l2)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetup_FileJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "gw", "mcpgate.log")
	l, closer, err := Setup(Config{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	l.Debug("hello", "server", "fs")
	_ = closer.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"server":"fs"`) {
		t.Fatalf("unexpected log content: %s", b)
	}
}

func TestSetup_BadFormat(t *testing.T) {
	if _, _, err := Setup(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With("server", "fs")
	l.Warn("restarting")
	out := buf.String()
	// the text handler quotes the message, escaping the color code
	if !strings.Contains(out, `\x1b[33mWARN`) {
		t.Fatalf("missing color prefix: %q", out)
	}
	if !strings.Contains(out, "server=fs") {
		t.Fatalf("bound attr lost: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}
