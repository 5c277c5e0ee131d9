package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how log lines are written.
type Options struct {
	// Level is the minimum level ("debug", "info", "warn", "error")
	Level string
	// Format selects console output: "text" for human-readable, anything
	// else for JSON
	Format string
	// File enables a rotating log file alongside console output; the file
	// always receives JSON
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger

	file *lumberjack.Logger
}

// New creates a new Logger instance writing to stderr and, when configured,
// a size-rotated log file.
func New(opts Options) *Logger {
	// Set global log level
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var console io.Writer = os.Stderr
	if opts.Format == "text" || opts.Format == "console" {
		// Human-readable output for the terminal
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	l := &Logger{}

	writers := []io.Writer{console}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		writers = append(writers, l.file)
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Close releases the log file, if one is open.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
		file:   l.file,
	}
}

// WithRunID returns a new logger with the run ID attached
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger: l.With().Str("run_id", runID).Logger(),
		file:   l.file,
	}
}
