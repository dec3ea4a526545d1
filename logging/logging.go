// Package logging wires slog for the whole program. Output can be buffered
// while a terminal UI owns the screen and flushed to a new destination once
// the UI provides one, and optionally teed to a log file.
package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// teeWriter buffers or forwards log output, and always mirrors it to the
// log file when one is configured.
type teeWriter struct {
	mu        sync.Mutex
	buffer    bytes.Buffer
	target    io.Writer
	file      *os.File
	buffering bool
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.buffering {
		w.buffer.Write(p)
	} else if w.target != nil {
		if _, err := w.target.Write(p); err != nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

var writer *teeWriter

// Init initialises the default slog logger. With buffered set, output is
// held back until SetOutput is called; otherwise it goes to stderr. A
// non-empty filePath additionally appends every record to that file.
func Init(buffered bool, level, format, filePath string) error {
	writer = &teeWriter{buffering: buffered}
	if !buffered {
		writer.target = os.Stderr
	}

	if filePath != "" {
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		writer.file = file
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput flushes anything buffered to newTarget and switches to live
// logging there.
func SetOutput(newTarget io.Writer) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.buffer.Len() > 0 {
		if _, err := newTarget.Write(writer.buffer.Bytes()); err != nil {
			return err
		}
		writer.buffer.Reset()
	}
	writer.target = newTarget
	writer.buffering = false
	return nil
}

// BufferOutput stops live logging and starts buffering again, for when the
// terminal UI takes the screen back.
func BufferOutput() {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	writer.target = nil
	writer.buffering = true
}

// Close flushes whatever is still buffered and closes the log file. Without
// a file or live target the remainder goes to stderr so nothing is lost.
func Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var firstErr error
	if writer.file != nil {
		if writer.buffer.Len() > 0 {
			if _, err := writer.file.Write(writer.buffer.Bytes()); err != nil {
				firstErr = err
			}
		}
		if err := writer.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	} else if writer.target == nil && writer.buffer.Len() > 0 {
		if _, err := os.Stderr.Write(writer.buffer.Bytes()); err != nil {
			firstErr = err
		}
	}
	writer.buffer.Reset()
	return firstErr
}
