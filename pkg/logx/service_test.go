package logx

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestTailKeepsNewestLines(t *testing.T) {
	t.Parallel()

	tail := NewTail(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		tail.Push(s)
	}
	if got, want := tail.Lines(0), []string{"c", "d", "e"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Lines(0)=%v want %v", got, want)
	}
	if got, want := tail.Lines(2), []string{"d", "e"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Lines(2)=%v want %v", got, want)
	}

	tail.Resize(2)
	if got, want := tail.Lines(0), []string{"d", "e"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after shrink=%v want %v", got, want)
	}
	tail.Resize(4)
	tail.Push("f")
	if got, want := tail.Lines(0), []string{"d", "e", "f"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after grow=%v want %v", got, want)
	}
}

func TestTailZeroCapacityDiscards(t *testing.T) {
	t.Parallel()

	tail := NewTail(0)
	tail.Push("x")
	if got := tail.Lines(0); len(got) != 0 {
		t.Fatalf("expected no lines, got %v", got)
	}
}

func TestServiceWritesFileAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Tail:  TailConfig{Lines: 10, MinLevel: "warn"},
	})
	defer svc.Close()

	log.With(String("component", "test")).Info("hello", Int("n", 1))
	log.Warn("careful")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"message":"hello"`) || !strings.Contains(string(b), `"component":"test"`) {
		t.Fatalf("unexpected file contents: %s", b)
	}

	lines := svc.Tail().Lines(0)
	if len(lines) != 1 || !strings.Contains(lines[0], "careful") {
		t.Fatalf("tail should only hold warn+: %v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	Nop().Error("ignored")
}
