package fleet

import (
	"fmt"
	"io"
	"log/slog"
)

// NewLogger builds the process logger described by conf. Time is dropped from
// records since the journal and the serial console timestamp every line.
func NewLogger(conf LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch conf.Level {
	case LogLevelDefault, LogLevelInfo:
		level = slog.LevelInfo
	case LogLevelDebug:
		level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unknown log level: %s", conf.Level)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: removeTime,
	}
	switch conf.Format {
	case LogFormatDefault, LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case LogFormatConsole:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", conf.Format)
	}
}

func removeTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.Attr{}
	}
	return a
}
