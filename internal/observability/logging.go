package observability

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputOnce sync.Once
	output     io.Writer = os.Stdout
	rotator    *lumberjack.Logger
)

// logOutput returns the shared log sink. Structured JSON always goes to
// stdout; when PEG_LOG_FILE is set it is also written to a rotating file.
// Every component logger shares one rotator so they never race on the file.
func logOutput() io.Writer {
	outputOnce.Do(func() {
		path := os.Getenv("PEG_LOG_FILE")
		if path == "" {
			return
		}
		rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("PEG_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("PEG_LOG_MAX_BACKUPS", 5),
			MaxAge:     envInt("PEG_LOG_MAX_AGE_DAYS", 28),
			Compress:   true,
		}
		output = zerolog.MultiLevelWriter(os.Stdout, rotator)
	})
	return output
}

// NewLogger creates a structured JSON logger for one component.
// Production default: info. Set via PEG_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("PEG_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// CloseLogs flushes and closes the rotating log file, if any.
func CloseLogs() error {
	if rotator == nil {
		return nil
	}
	return rotator.Close()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
