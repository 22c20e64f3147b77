package logx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Tail    TailConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TailConfig controls the in-memory sink that keeps the newest lines.
type TailConfig struct {
	Lines    int
	MinLevel string
}

const defaultLogPath = "./cronkeeper.log"

// Service owns the sinks and swaps the zerolog root on Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	tail *Tail

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service, applies cfg and returns a live root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{tail: NewTail(0)}
	boot := zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Tail returns the in-memory sink. It is never nil; with zero capacity it
// simply holds nothing.
func (s *Service) Tail() *Tail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps sinks and level at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.tail.Resize(cfg.Tail.Lines)
	if cfg.Tail.Lines > 0 {
		writers = append(writers, &tailWriter{
			tail: s.tail,
			min:  ParseLevel(cfg.Tail.MinLevel, zerolog.InfoLevel),
		})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// Tail is a fixed-size ring of rendered log lines.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewTail(capacity int) *Tail {
	t := &Tail{}
	t.Resize(capacity)
	return t
}

// Resize changes capacity, keeping the newest lines that still fit.
func (t *Tail) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if capacity == len(t.lines) {
		return
	}
	keep := t.snapshotLocked()
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	t.lines = make([]string, capacity)
	t.next, t.full = 0, false
	for _, l := range keep {
		t.pushLocked(l)
	}
}

func (t *Tail) Push(line string) {
	t.mu.Lock()
	t.pushLocked(line)
	t.mu.Unlock()
}

func (t *Tail) pushLocked(line string) {
	if len(t.lines) == 0 {
		return
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns up to n newest lines, oldest first. n <= 0 means all.
func (t *Tail) Lines(n int) []string {
	t.mu.Lock()
	out := t.snapshotLocked()
	t.mu.Unlock()
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (t *Tail) snapshotLocked() []string {
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

type tailWriter struct {
	tail *Tail
	min  zerolog.Level
}

func (w *tailWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *tailWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min {
		return len(p), nil
	}
	var buf bytes.Buffer
	cw := zerolog.ConsoleWriter{Out: &buf, NoColor: true, TimeFormat: "15:04:05"}
	if _, err := cw.Write(p); err != nil {
		w.tail.Push(strings.TrimSpace(string(p)))
		return len(p), nil
	}
	w.tail.Push(strings.TrimSpace(buf.String()))
	return len(p), nil
}

// Stdout returns the process stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the process stderr sink.
func Stderr() io.Writer { return os.Stderr }
