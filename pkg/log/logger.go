// Package log provides structured logging utilities for nebula.
// It wraps the standard library's slog package with device-oriented helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config string to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger tagged with a device unique id
func (l *Logger) WithDevice(uniqueID uint64) *Logger {
	return l.WithFields("device_id", uniqueID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID uint32) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Dispatch logging helpers

// LogDispatch logs a routed frame (debug level)
func (l *Logger) LogDispatch(path string, seq uint32, discipline string) {
	l.Debug("dispatch",
		"path", path,
		"seq", seq,
		"discipline", discipline,
	)
}

// LogFrame logs raw frame traffic (debug level)
func (l *Logger) LogFrame(direction string, key uint64, seq uint32, size int) {
	l.Debug("frame",
		"direction", direction,
		"key", key,
		"seq", seq,
		"size", size,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// Mining-specific logging helpers

// LogJobAccepted logs a job becoming current
func (l *Logger) LogJobAccepted(jobID uint32, nbits uint32, preempted bool) {
	l.Info("job accepted",
		"job_id", jobID,
		"nbits", nbits,
		"preempted", preempted,
	)
}

// LogShareFound logs a share leaving the engine
func (l *Logger) LogShareFound(jobID, nonce, version, ntime uint32) {
	l.Info("share found",
		"job_id", jobID,
		"nonce", nonce,
		"version", version,
		"ntime", ntime,
	)
}

// LogTemperature logs an ASIC temperature sample (debug level)
func (l *Logger) LogTemperature(celsius int8) {
	l.Debug("asic temperature", "celsius", celsius)
}
