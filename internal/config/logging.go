package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level
// payloads such as full LLM request and response bodies.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name to an
// [slog.Level]. The empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE" instead of "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds the process logger from the log_level and log_format
// settings.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
