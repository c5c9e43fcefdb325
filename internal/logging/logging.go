// Package logging builds the process logger: console output, a rotating
// log file and an in-memory buffer of recent entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls Init.
type Config struct {
	Level string
	// File enables the rotating log file when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// JSON writes raw JSON to the console instead of the human format.
	JSON bool
	// Console defaults to os.Stderr.
	Console       io.Writer
	BufferEntries int
}

// Logging owns the writers behind the process logger.
type Logging struct {
	Logger zerolog.Logger
	Buffer *Buffer

	file *lumberjack.Logger
}

// Init creates the process logger. It must run before any component is
// constructed; Close flushes and closes the log file.
func Init(cfg Config) (*Logging, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	buffer := NewBuffer(cfg.BufferEntries)
	writers := []io.Writer{console, buffer}

	var file *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logging{Logger: logger, Buffer: buffer, file: file}, nil
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
