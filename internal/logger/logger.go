// Package logger builds the process logger and provides nil-safe attribute
// helpers, so calls like log.Info("msg", logger.Error(err)) need no nil
// checks.
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a logger writing to w. format is "json" or "text"; level is
// parsed by slog.Level.UnmarshalText and defaults to info.
func New(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Error returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func ClientIP(ip string) slog.Attr {
	return slog.String("client_ip", ip)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func Method(method string) slog.Attr {
	return slog.String("method", method)
}
