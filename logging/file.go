package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger writes application log messages to a file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a new file logger that writes to the specified path.
// The file is created if it doesn't exist, or appended to if it does.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// Log writes a formatted message to the log file with a timestamp.
// This method is safe to call from any goroutine.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.write("", format, args...)
}

// Info logs a message at INFO level.
func (l *FileLogger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

// Warn logs a message at WARN level.
func (l *FileLogger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

// Error logs a message at ERROR level.
func (l *FileLogger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

func (l *FileLogger) write(level, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if level == "" {
		fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
	} else {
		fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, level, msg)
	}
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
