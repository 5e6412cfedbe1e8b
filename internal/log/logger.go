package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger owns the log file stream for the process lifetime.
type Logger struct {
	*slog.Logger
	file io.Closer
}

// Open appends to the log file at path and returns a Logger writing
// NDJSON events to it, mirroring errors to stderr.
func Open(path string, level slog.Leveler) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	handler := NewHandler(file, os.Stderr, level)
	return &Logger{
		Logger: slog.New(handler),
		file:   file,
	}, nil
}

// Close releases the underlying file stream.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
