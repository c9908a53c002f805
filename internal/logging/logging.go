// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// Config selects where log records go
type Config struct {
	// Logfile enables a rotating log file; empty logs to stderr
	Logfile string

	// MaxSize is the size in megabytes at which the log file rotates
	MaxSize int

	// MaxAge is the number of days rotated files are kept
	MaxAge int

	// Verbose enables debug records
	Verbose bool
}

// New builds a text logger for c. The returned closer releases the log file
// and is a no-op when logging to stderr.
func New(c Config) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.Logfile != "" {
		l := &lumberjack.Logger{
			Filename: c.Logfile,
			MaxSize:  c.MaxSize, // megabytes
			MaxAge:   c.MaxAge,  // days
		}
		out, closer = l, l
	}

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer
}

// Setup builds the logger for c and installs it as the slog default. The
// standard log package keeps writing to stderr so fatal command line errors
// stay visible when records go to a log file.
func Setup(c Config) io.Closer {
	logger, closer := New(c)
	slog.SetDefault(logger)
	log.SetOutput(os.Stderr)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
