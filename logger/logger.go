package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the log level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

func (l LogLevel) color() string {
	switch l {
	case DEBUG:
		return "\033[90m" // gray
	case WARN:
		return "\033[33m" // yellow
	case ERROR:
		return "\033[31m" // red
	default:
		return "\033[32m" // green
	}
}

const resetColor = "\033[0m"

// Logger writes leveled log lines to the console and/or a rotating file
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	console io.Writer
	file    *rotatingFile
}

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	Level LogLevel
	// FilePath empty disables file output
	FilePath string
	// MaxSize in MB, 0 disables rotation
	MaxSize    int
	MaxBackups int
	Console    bool
}

// DefaultConfig logs INFO and above to stdout only
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	l := &Logger{level: config.Level}
	if config.Console {
		l.console = os.Stdout
	}

	if config.FilePath != "" {
		f, err := openRotatingFile(config.FilePath, int64(config.MaxSize)<<20, config.MaxBackups)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// log is called through exactly one wrapper, hence the caller depth
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if !ok {
		file, line = "unknown", 0
	}
	prefix := fmt.Sprintf("%s:%d:", filepath.Base(file), line)
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")

	if l.console != nil {
		fmt.Fprintf(l.console, "%s [%s%s%s] %s %s\n", timestamp, level.color(), level, resetColor, prefix, msg)
	}
	if l.file != nil {
		if _, err := fmt.Fprintf(l.file, "%s [%s] %s %s\n", timestamp, level, prefix, msg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write log: %v\n", err)
		}
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// rotatingFile renames itself to a timestamped backup once it grows past
// maxSize and keeps at most maxBackups of those. Callers serialize access.
type rotatingFile struct {
	path       string
	f          *os.File
	size       int64
	maxSize    int64
	maxBackups int
	rotations  int
}

func openRotatingFile(path string, maxSize int64, maxBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	r := &rotatingFile{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	if r.f == nil {
		return 0, os.ErrClosed
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	if err == nil && r.maxSize > 0 && r.size >= r.maxSize {
		r.rotate()
	}
	return n, err
}

// backupName is unique even when several rotations land in the same second
func (r *rotatingFile) backupName() string {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	r.rotations++
	return fmt.Sprintf("%s.%s-%03d%s", stem, time.Now().Format("20060102-150405"), r.rotations, ext)
}

func (r *rotatingFile) rotate() {
	r.f.Close()
	r.f = nil

	if err := os.Rename(r.path, r.backupName()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}
	r.prune()

	if err := r.open(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

// prune removes backups beyond maxBackups, oldest first
func (r *rotatingFile) prune() {
	ext := filepath.Ext(r.path)
	backups, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + ".*" + ext)
	if err != nil || len(backups) <= r.maxBackups {
		return
	}

	// names embed the rotation time and sequence, so lexical order is age order
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-r.maxBackups] {
		os.Remove(old)
	}
}

func (r *rotatingFile) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
