// Package logging provides the global structured logger for OpenClaw.
// Use dot import to access L_info, L_error, etc. directly. All call sites
// log a message plus key/value pairs; there is no printf surface.
package logging

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var logger atomic.Pointer[log.Logger]

// Setup installs the global logger at the given level ("trace", "debug",
// "info", "warn", "error", "fatal"; anything else means info). Called once
// from the CLI with the configured level; later calls replace the logger,
// which is how tests and /config reloads retune verbosity.
func Setup(level string) {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		ReportCaller:    true,
		CallerOffset:    1, // Skip the L_* wrapper frame
	})
	l.SetLevel(parseLevel(level))
	logger.Store(l)
}

// SetLevel retunes the active logger without replacing it.
func SetLevel(level string) {
	active().SetLevel(parseLevel(level))
}

// active returns the installed logger, setting up an info-level default the
// first time a log call beats Setup.
func active() *log.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	Setup("info")
	return logger.Load()
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// L_trace logs at trace level (mapped to debug)
func L_trace(msg string, keyvals ...any) {
	active().Debug(msg, keyvals...)
}

// L_debug logs at debug level
func L_debug(msg string, keyvals ...any) {
	active().Debug(msg, keyvals...)
}

// L_info logs at info level
func L_info(msg string, keyvals ...any) {
	active().Info(msg, keyvals...)
}

// L_warn logs at warn level
func L_warn(msg string, keyvals ...any) {
	active().Warn(msg, keyvals...)
}

// L_error logs at error level
func L_error(msg string, keyvals ...any) {
	active().Error(msg, keyvals...)
}

// L_fatal logs at fatal level and exits
func L_fatal(msg string, keyvals ...any) {
	active().Fatal(msg, keyvals...)
}
