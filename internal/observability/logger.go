// Package observability holds the diagnostic logger and the metrics
// registry shared by the CLI, the runner and the API server.
//
// Job output never goes through the logger; it streams to the job log
// files and the terminal. The logger carries lorry's own diagnostics
// (backend selection, cache hits, store errors) on stderr.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// NewLogger builds the process logger. Output is human-readable when
// stderr is a terminal and JSON otherwise, so `lorry serve` under a
// process manager produces machine-parseable logs. verbose forces
// debug level; otherwise LORRY_LOG_LEVEL decides, defaulting to info.
func NewLogger(verbose bool) (*zap.Logger, error) {
	var config zap.Config
	if term.IsTerminal(int(os.Stderr.Fd())) {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = parseLogLevel(os.Getenv("LORRY_LOG_LEVEL"))
	}

	return config.Build()
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// Flush drains buffered log output before process exit. Sync errors on
// a terminal stderr are expected and ignored.
func Flush(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
}
