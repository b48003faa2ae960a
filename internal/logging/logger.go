// Package logging wraps log/slog with fleetssh's domain events. It never
// logs identity file paths, passwords, or full command text at info level,
// since those routinely appear in the arguments callers would otherwise be
// tempted to pass straight through.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
	LevelDebug LogLevel = "debug"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger with secure logging practices
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new secure logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: convertLogLevel(config.Level)}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Info logs an informational message, suppressed entirely in quiet mode.
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Info(msg, args...)
}

// Error logs an error message. Errors are never suppressed by quiet mode.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// LogConnection logs a successful SSH connection. Never logs the identity
// file path, key contents, or password.
func (l *Logger) LogConnection(hostString, user string) {
	l.Info("ssh connection established", "host_string", hostString, "user", user)
}

// LogConnectionError logs a connection failure.
func (l *Logger) LogConnectionError(hostString string, attempt int, err error) {
	l.Error("ssh connection failed", "host_string", hostString, "attempt", attempt, "error", err.Error())
}

// LogRetry logs a connection retry with its backoff delay.
func (l *Logger) LogRetry(hostString string, attempt int, backoff time.Duration) {
	l.Info("retrying connection", "host_string", hostString, "attempt", attempt, "backoff_ms", backoff.Milliseconds())
}

// LogConnectionWarning logs a non-fatal connection-level warning, such as an
// insecure host-key policy being in effect.
func (l *Logger) LogConnectionWarning(hostString, message string) {
	l.logger.Warn("connection warning", "host_string", hostString, "warning", message)
}

// LogExecution logs a completed remote command. The command text itself is
// never logged; only host, exit code, and duration are recorded.
func (l *Logger) LogExecution(hostString string, exitCode int, duration time.Duration) {
	l.Info("command executed", "host_string", hostString, "exit_code", exitCode, "duration_ms", duration.Milliseconds())
}

// LogExecutionError logs a failed remote command.
func (l *Logger) LogExecutionError(hostString string, err error) {
	l.Error("command execution failed", "host_string", hostString, "error", err.Error())
}

// LogPrompt logs that a prompt (password, sudo, or user-defined) was
// detected and answered on a channel, without recording its text.
func (l *Logger) LogPrompt(hostString, kind string) {
	l.Info("prompt answered", "host_string", hostString, "kind", kind)
}

// LogAbort logs a per-host abort, tagged with its failure kind.
func (l *Logger) LogAbort(hostString, kind, message string) {
	l.Error("host aborted", "host_string", hostString, "kind", kind, "message", message)
}

// LogTaskStart logs the beginning of a task's fan-out across its host list.
func (l *Logger) LogTaskStart(name string, hostCount int, parallel bool, poolSize int) {
	l.Info("task started", "task", name, "host_count", hostCount, "parallel", parallel, "pool_size", poolSize)
}

// LogTaskComplete logs a task's aggregate result.
func (l *Logger) LogTaskComplete(name string, succeeded, failed int, duration time.Duration) {
	l.Info("task completed", "task", name, "succeeded", succeeded, "failed", failed, "duration_ms", duration.Milliseconds())
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded", "source", source)
}

// LogConfigError logs configuration errors
func (l *Logger) LogConfigError(source string, err error) {
	l.Error("configuration error", "source", source, "error", err.Error())
}

// LogHostResolution logs the outcome of resolving hosts/roles/excludes into
// a final host list.
func (l *Logger) LogHostResolution(count int) {
	l.Info("hosts resolved", "count", count)
}

// LogHostResolutionError logs a role or host-string resolution failure.
func (l *Logger) LogHostResolutionError(err error) {
	l.Error("host resolution failed", "error", err.Error())
}

// WithContext returns a logger carrying request/trace values from ctx. No
// values are currently extracted; this exists so callers can thread a
// context through without a breaking signature change later.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return l
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	var level LogLevel
	switch logLevel {
	case "error":
		level = LevelError
	case "debug":
		level = LevelDebug
	default:
		level = LevelInfo
	}

	var format LogFormat
	switch logFormat {
	case "json":
		format = FormatJSON
	default:
		format = FormatText
	}

	return NewLogger(Config{Level: level, Format: format, Quiet: quiet})
}
