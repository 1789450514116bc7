// Package log builds the process logger: a slog handler over the configured
// console and rotating file outputs.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/pktmask/internal/config"
)

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg config.LogConfig) (*slog.Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// New builds a logger from cfg without touching globals.
func New(cfg config.LogConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, nil)
}

// NewWithWriter is New with one more output appended after the configured
// ones. Tests use it to capture log lines.
func NewWithWriter(cfg config.LogConfig, extra io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	out, err := outputs(cfg.Outputs, extra)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: durations}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (json or text)", cfg.Format)
	}
	return slog.New(h), nil
}

// outputs joins the enabled destinations. With none enabled, log lines are
// dropped rather than leaking onto stdout, which may carry rule tables.
func outputs(cfg config.LogOutputsConfig, extra io.Writer) (io.Writer, error) {
	var ws []io.Writer
	if cfg.Console.Enabled {
		switch strings.ToLower(cfg.Console.Stream) {
		case "", "stderr":
			ws = append(ws, os.Stderr)
		case "stdout":
			ws = append(ws, os.Stdout)
		default:
			return nil, fmt.Errorf("unsupported console stream %q (stderr or stdout)", cfg.Console.Stream)
		}
	}
	if cfg.File.Enabled {
		fw, err := fileWriter(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("file output: %w", err)
		}
		ws = append(ws, fw)
	}
	if extra != nil {
		ws = append(ws, extra)
	}

	switch len(ws) {
	case 0:
		return io.Discard, nil
	case 1:
		return ws[0], nil
	}
	return io.MultiWriter(ws...), nil
}

func fileWriter(fc config.FileOutputConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

// parseLevel accepts config.LogLevels. An empty level is an error so a typo
// in the config key does not silently fall back to info.
func parseLevel(s string) (slog.Level, error) {
	if !config.ValidLogLevel(s) {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// durations renders time.Duration attributes as strings so JSON lines read
// "1.5s" instead of nanosecond integers.
func durations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Microsecond).String())
	}
	return a
}
