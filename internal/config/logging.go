package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// LevelTrace sits below debug and carries every JSON-RPC line and HTTP
// payload. It is only useful when debugging a misbehaving server or
// provider.
const LevelTrace = slog.Level(-8)

// Log formats accepted by log_format.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// ParseLogLevel maps trace, debug, info, warn (or warning) and error to a
// level, ignoring case and surrounding space. Empty means info.
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

// ReplaceLogLevelNames prints LevelTrace as TRACE instead of slog's
// "DEBUG-4". Use it as the handler's ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds the logger for a log_format. Pretty output is a
// charmbracelet logger acting as the slog handler; an unknown format
// falls back to text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	switch format {
	case LogFormatPretty:
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			Level:           charmlog.Level(level),
		}))
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, handlerOptions(level)))
	default:
		return slog.New(slog.NewTextHandler(w, handlerOptions(level)))
	}
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
}
