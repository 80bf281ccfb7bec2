// Package log is the process-wide structured logger, backed by logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/camrelay/internal/config"
)

var (
	mu      sync.RWMutex
	root    *logrus.Logger
	logger  Logger
	closers []io.Closer
)

func init() {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(textFormatter("2006-01-02 15:04:05.000"))
	root = l
	logger = entry{logrus.NewEntry(l)}
}

// GetLogger returns the current process logger. Before Init it logs text to
// stderr at info level.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init (re)builds the process logger from cfg. Outputs of a previous Init are
// flushed and closed once the new logger is in place.
func Init(cfg config.LogConfig) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	f, err := newFormatter(cfg)
	if err != nil {
		return err
	}

	out := fanout{os.Stderr}
	var opened []io.Closer

	if cfg.Outputs.File.Enabled {
		w, err := newFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		out = append(out, w)
		opened = append(opened, w)
	}

	if cfg.Outputs.Loki.Enabled {
		w, err := newLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			closeAll(opened)
			return fmt.Errorf("failed to create loki output: %w", err)
		}
		out = append(out, w)
		opened = append(opened, w)
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(f)
	l.SetLevel(level)

	mu.Lock()
	previous := closers
	root = l
	logger = entry{logrus.NewEntry(l)}
	closers = opened
	mu.Unlock()

	closeAll(previous)
	return nil
}

// SetLevel changes the level of the current logger in place.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	mu.RLock()
	root.SetLevel(lvl)
	mu.RUnlock()
	return nil
}

// Level reports the current level name.
func Level() string {
	mu.RLock()
	defer mu.RUnlock()
	return root.GetLevel().String()
}

// Flush closes the file and Loki outputs, pushing any batched lines.
func Flush() {
	mu.Lock()
	c := closers
	closers = nil
	mu.Unlock()
	closeAll(c)
}

// ParseLevel accepts trace, debug, info, warn/warning and error.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %q", s)
	}
}

func newFormatter(cfg config.LogConfig) (logrus.Formatter, error) {
	switch strings.ToLower(cfg.Format) {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: cfg.Time}, nil
	case "text", "":
		return textFormatter(cfg.Time), nil
	case "pattern":
		return &patternFormatter{pattern: cfg.Pattern, time: cfg.Time}, nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json, text or pattern)", cfg.Format)
	}
}

func textFormatter(timeFormat string) logrus.Formatter {
	return &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timeFormat,
		ForceFormatting: true,
	}
}

// newFileWriter creates a lumberjack writer for log rotation.
func newFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

func newLokiWriter(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}
	return NewLokiWriter(LokiConfig{
		Endpoint:      lc.Endpoint,
		Labels:        lc.Labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.BatchTimeout,
	})
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
