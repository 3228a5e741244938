package logx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Operator OperatorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OperatorConfig controls the operator sink: a JSONL file for the records an
// on-call operator has to act on. It takes terminal records and anything at
// or above MinLevel, throttled to RatePerSec.
type OperatorConfig struct {
	Enabled    bool
	Path       string
	MinLevel   string
	RatePerSec int
}

const (
	timeFormat          = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath     = "./notifyd.log"
	defaultOperatorPath = "./notifyd.operator.jsonl"
)

// console is where the human-readable sink writes.
var console io.Writer = os.Stdout

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	files    []*os.File
	limiter  *rate.Limiter
	minLevel zerolog.Level
	dropped  uint64
}

// New builds the service with cfg applied and returns it with a live root
// logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// OperatorDropped counts operator records discarded by the rate limit.
func (s *Service) OperatorDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Service) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()

	var first error
	for _, f := range files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Apply rebuilds the sinks for cfg. Loggers already handed out pick up the
// new root on their next record.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = nil

	s.minLevel = parseLevel(cfg.Operator.MinLevel, zerolog.ErrorLevel)
	rps := max(1, cfg.Operator.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(console))
	}
	if cfg.File.Enabled {
		if f := s.openLocked(cfg.File.Path, defaultFilePath); f != nil {
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Operator.Enabled {
		if f := s.openLocked(cfg.Operator.Path, defaultOperatorPath); f != nil {
			sinks = append(sinks, &operatorSink{svc: s, out: zerolog.SyncWriter(f)})
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(console))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openLocked(path, def string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = def
	}
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.files = append(s.files, f)
	return f
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

type operatorSink struct {
	svc *Service
	out io.Writer
}

func (w *operatorSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim, minLvl := s.limiter, s.minLevel
	s.mu.Unlock()

	if level < minLvl && !bytes.Contains(p, terminalMarker) {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return len(p), nil
	}
	if _, err := w.out.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
