// Package logging builds the component loggers used across shopsync.
//
// Every component gets a standard *log.Logger with a "[component] " prefix.
// All loggers share one writer: stderr by default, or a size-rotated file
// managed by lumberjack.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log destination.
type Config struct {
	// File is the log file path; empty logs to stderr.
	File string

	// MaxSizeMB rotates the file once it reaches this size.
	MaxSizeMB int

	// MaxBackups and MaxAgeDays bound the rotated files kept.
	MaxBackups int
	MaxAgeDays int

	Compress bool
}

// Factory hands out loggers sharing one destination.
type Factory struct {
	w      io.Writer
	closer io.Closer
	flags  int
}

// New opens the destination described by cfg.
func New(cfg Config) (*Factory, error) {
	if cfg.File == "" {
		return &Factory{w: os.Stderr, flags: log.LstdFlags}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Factory{w: rotator, closer: rotator, flags: log.LstdFlags | log.Lmicroseconds}, nil
}

// Discard returns a factory whose loggers write nowhere.
func Discard() *Factory {
	return &Factory{w: io.Discard}
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.w, "["+component+"] ", f.flags)
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.w
}

// Close releases the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
