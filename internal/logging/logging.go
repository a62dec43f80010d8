// Package logging provides the relay's leveled logger.
//
// The teacher rolls its own thin wrapper over the standard log package
// (websocket/websocket.go's logInfo/logError) rather than importing a
// structured logging library, and the original Python relay configures a
// stdout+file logging.basicConfig pair. This package follows both: a
// small level filter on top of *log.Logger, with an optional file sink.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a small leveled wrapper around the standard logger. It is
// constructed explicitly and passed to collaborators rather than kept as
// package-scope state (see spec.md §9's "no module-scope state" note).
type Logger struct {
	min   Level
	std   *log.Logger
	file  *os.File
	field string
}

// New builds a Logger that writes to stdout, and additionally to a file
// under logDir (named "relay.log") when logDir is non-empty.
func New(minLevel Level, logDir string) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(filepath.Join(logDir, "relay.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
	}

	return &Logger{
		min:  minLevel,
		std:  log.New(w, "", log.LstdFlags),
		file: f,
	}, nil
}

// With returns a child logger that prefixes every line with field, e.g.
// a component name. It shares the underlying writer and level.
func (l *Logger) With(field string) *Logger {
	next := field
	if l.field != "" {
		next = l.field + "." + field
	}
	return &Logger{min: l.min, std: l.std, file: l.file, field: next}
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.field != "" {
		l.std.Printf("[%s] %s: %s", level, l.field, msg)
	} else {
		l.std.Printf("[%s] %s", level, msg)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
