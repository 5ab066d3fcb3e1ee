// Package logging provides the small file-backed logger used by both the
// requester and worker processes. It is deliberately unstructured: every
// line is a timestamp, a level, and a message.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

type Logger struct {
	file   *os.File
	logger *log.Logger
	debug  bool
}

// New opens (creating parent directories as needed) an append-only log file
// at path. Debug output is enabled when PIGEON_DEBUG is "1", "true" or
// "debug".
func New(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	debugEnv := os.Getenv("PIGEON_DEBUG")
	debug := debugEnv == "1" || debugEnv == "true" || debugEnv == "debug"
	return &Logger{
		file:   file,
		logger: log.New(file, "", 0),
		debug:  debug,
	}, nil
}

// NewDiscard returns a Logger that writes nowhere, for tests and CLI paths
// that never touch disk.
func NewDiscard() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0), debug: false}
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	if l == nil || l.logger == nil {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	l.logger.Printf("[%s] %s: %s", ts, level, msg)
}

func (l *Logger) Info(msg string)  { l.log("INFO", msg) }
func (l *Logger) Error(msg string) { l.log("ERROR", msg) }
func (l *Logger) Debug(msg string) {
	if l != nil && l.debug {
		l.log("DEBUG", msg)
	}
}

// SetDebug raises the logger's debug verbosity when enabled is true. It
// never lowers it, so a worker_debug config reload can't silence debug
// logging that PIGEON_DEBUG already turned on.
func (l *Logger) SetDebug(enabled bool) {
	if l == nil {
		return
	}
	if enabled {
		l.debug = true
	}
}

func (l *Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }

// DefaultLogPath returns ~/.pigeon/<name>.log, falling back to /tmp if the
// home directory cannot be resolved.
func DefaultLogPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", ".pigeon", name+".log")
	}
	return filepath.Join(home, ".pigeon", name+".log")
}
