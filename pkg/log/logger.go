// Package log provides structured logging for the pool services.
// It wraps the standard library's slog package with pool-domain helpers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with service context and convenience methods.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger for the given service with the configured level and
// handler format ("json" or "text").
func New(service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	base := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{Logger: base, service: service, version: version}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with a pool id field.
func (l *Logger) WithPool(poolID string) *Logger {
	return l.WithFields("pool_id", poolID)
}

// WithConn returns a logger with connection-specific fields.
func (l *Logger) WithConn(connID, remoteAddr string) *Logger {
	return l.WithFields("conn_id", connID, "remote_addr", remoteAddr)
}

// WithMiner returns a logger with miner identity fields.
func (l *Logger) WithMiner(miner, worker string) *Logger {
	return l.WithFields("miner", miner, "worker", worker)
}

// WithError returns a logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection lifecycle events.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogStratumMessage logs a raw protocol line at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message", "direction", direction, "message", message)
}

// LogShareSubmission logs a share submission outcome.
func (l *Logger) LogShareSubmission(miner, worker, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner", miner,
		"worker", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogDifficultyChange logs a per-connection difficulty update.
func (l *Logger) LogDifficultyChange(connID string, oldDiff, newDiff float64, reason string) {
	l.Info("difficulty change",
		"conn_id", connID,
		"old_difficulty", oldDiff,
		"new_difficulty", newDiff,
		"reason", reason,
	)
}

// LogJobBroadcast logs a job fan-out.
func (l *Logger) LogJobBroadcast(jobID string, connCount int) {
	l.Info("job broadcast", "job_id", jobID, "conn_count", connCount)
}
