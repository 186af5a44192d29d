package util

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type Logger = *slog.Logger

// Custom levels beyond slog's stock Debug/Info/Warn/Error, matching the
// set the CLI's --logging-level flag accepts. Spaced the way the
// standard library's own log/slog documentation recommends for
// extending the level set.
const (
	LevelTrace    = slog.Level(-8)
	LevelSuccess  = slog.Level(2)
	LevelCritical = slog.Level(12)
)

var levelNames = map[string]slog.Level{
	"TRACE":    LevelTrace,
	"DEBUG":    slog.LevelDebug,
	"INFO":     slog.LevelInfo,
	"SUCCESS":  LevelSuccess,
	"WARNING":  slog.LevelWarn,
	"ERROR":    slog.LevelError,
	"CRITICAL": LevelCritical,
}

// ParseLevel maps one of the seven accepted level names to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unrecognized logging level %q", name)
	}
	return lvl, nil
}

func replaceLevelAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelSuccess:
		a.Value = slog.StringValue("SUCCESS")
	case LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// NewLogger builds a text-handler slog.Logger writing to stderr at the
// given level. Level names are resolved beforehand by ParseLevel, which
// rejects an unrecognized name with an error.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttr,
	}))
}
