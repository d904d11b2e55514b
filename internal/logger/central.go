package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "time/tzdata"
)

// Config describes where log records go.
type Config struct {
	Level        string            `yaml:"level" mapstructure:"level"`               // console level
	Timezone     string            `yaml:"timezone" mapstructure:"timezone"`         // "Local", "UTC" or IANA name
	File         string            `yaml:"file" mapstructure:"file"`                 // optional JSON log file
	FileLevel    string            `yaml:"filelevel" mapstructure:"filelevel"`       // defaults to Level
	ModuleLevels map[string]string `yaml:"modulelevels" mapstructure:"modulelevels"` // per-module overrides
}

// CentralLogger owns the output handlers and hands out module loggers.
type CentralLogger struct {
	cfg      Config
	tz       *time.Location
	handler  slog.Handler
	file     *os.File
	buffered *bufio.Writer
	mu       sync.Mutex
}

// NewCentralLogger creates the console handler and, when cfg.File is set, a
// JSON file handler fanned out alongside it.
func NewCentralLogger(cfg *Config) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}

	tz := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", cfg.Timezone, err)
		}
		tz = loc
	}

	cl := &CentralLogger{cfg: *cfg, tz: tz}
	handlers := []slog.Handler{newTextHandler(os.Stdout, cl.minLevel(), tz)}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cl.file = f
		cl.buffered = bufio.NewWriter(f)
		fileLevel := cfg.FileLevel
		if fileLevel == "" {
			fileLevel = cfg.Level
		}
		handlers = append(handlers, slog.NewJSONHandler(&lockedWriter{cl: cl}, &slog.HandlerOptions{
			Level: parseLevel(fileLevel),
		}))
	}

	if len(handlers) == 1 {
		cl.handler = handlers[0]
	} else {
		cl.handler = newMultiWriterHandler(handlers...)
	}
	return cl, nil
}

// minLevel is the most verbose level any module may log at, so the console
// handler never filters records a module override lets through.
func (cl *CentralLogger) minLevel() slog.Level {
	lvl := parseLevel(cl.cfg.Level)
	for _, l := range cl.cfg.ModuleLevels {
		lvl = min(lvl, parseLevel(l))
	}
	return lvl
}

// Module returns a logger for the named module.
func (cl *CentralLogger) Module(name string) Logger {
	level := parseLevel(cl.cfg.Level)
	if l, ok := cl.cfg.ModuleLevels[name]; ok {
		level = parseLevel(l)
	}
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  level,
	}
}

// Flush writes buffered file output.
func (cl *CentralLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.buffered == nil {
		return nil
	}
	return cl.buffered.Flush()
}

// Close flushes and closes the log file.
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := errors.Join(cl.buffered.Flush(), cl.file.Close())
	cl.file, cl.buffered = nil, nil
	return err
}

type lockedWriter struct {
	cl *CentralLogger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.cl.mu.Lock()
	defer w.cl.mu.Unlock()
	if w.cl.buffered == nil {
		return 0, io.ErrClosedPipe
	}
	return w.cl.buffered.Write(p)
}
