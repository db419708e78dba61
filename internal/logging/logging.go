// Package logging builds the component loggers used across rowsync.
//
// Every component gets a standard *log.Logger with a bracketed prefix
// ("[hub] ", "[engine] "). All of them share one writer: stderr by default,
// or a size-rotated file when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared writer.
type Options struct {
	// File is the log file path. Empty logs to stderr.
	File string
	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept
	MaxBackups int
	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int
	// Quiet discards all output
	Quiet bool
}

// Output is the shared destination of every component logger.
type Output struct {
	writer  io.Writer
	rotator *lumberjack.Logger
}

// Open creates the shared writer described by opts.
func Open(opts Options) *Output {
	switch {
	case opts.Quiet:
		return &Output{writer: io.Discard}
	case opts.File == "":
		return &Output{writer: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Output{writer: rotator, rotator: rotator}
}

// Logger returns a logger for component, e.g. Logger("hub").
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.writer, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.writer
}

// Rotate closes the current log file and starts a new one. It is a no-op
// when logging to stderr.
func (o *Output) Rotate() error {
	if o.rotator == nil {
		return nil
	}
	return o.rotator.Rotate()
}

// Close releases the log file, if any.
func (o *Output) Close() error {
	if o.rotator == nil {
		return nil
	}
	return o.rotator.Close()
}
