// Package logging provides structured logging for FreeViewer.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of any attribute whose key names secret
// material.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute keys that must never reach a log sink.
var sensitiveKeys = map[string]bool{
	"password":    true,
	"secret":      true,
	"key":         true,
	"session_key": true,
	"plaintext":   true,
	"payload":     true,
}

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyMachineID  = "machine_id"
	KeySessionID  = "session_id"
	KeyBrokerID   = "broker_id"
	KeyChannel    = "channel"
	KeyState      = "state"
	KeyPath       = "path"
	KeyGeneration = "generation"
	KeyAddress    = "address"
	KeyTransport  = "transport"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyBytes      = "bytes"
	KeyFile       = "file"
)
