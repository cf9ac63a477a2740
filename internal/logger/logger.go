// Package logger provides the process-wide structured logger used by every
// wsh component (handshake, session manager, gateway, transport).
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the shared logger. It is safe to use before Init: it defaults to
// an info-level stderr-only logger so that library code (tests, early
// startup) never dereferences a nil logger.
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

var logFileHandle *os.File

// Init (re)configures the global logger. level is one of
// "debug"/"info"/"warn"/"error"; unrecognised values fall back to debug so
// that a typo in config never silently swallows diagnostics. When logFile
// is non-empty, output is duplicated to stdout and the given file.
func Init(level string, logFile string) error {
	logLevel := parseLevel(level)

	writers := []io.Writer{os.Stdout}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		writers = append(writers, f)
		logFileHandle = f
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: shortenTime,
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// Close flushes and releases the log file opened by Init, if any.
func Close() error {
	if logFileHandle == nil {
		return nil
	}
	err := logFileHandle.Close()
	logFileHandle = nil
	return err
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func shortenTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String("time", a.Value.Time().Format("15:04:05.000"))
	}
	return a
}

// With returns a logger scoped with the given key/value pairs, e.g. a
// per-session or per-connection logger: logger.With("session_id", id).
func With(args ...any) *slog.Logger {
	return Log.With(args...)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
