package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		log.Printf("failed to initialize default logger: %v, using standard log", err)
		return
	}
	defaultLogger.Store(l)
}

// InitFromConfig replaces the default logger, closing the previous one
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	if old := defaultLogger.Swap(l); old != nil {
		old.Close()
	}
	return nil
}

// SetLevel changes the level of the default logger at runtime
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// ParseLogLevel maps a config string to a level. Empty means INFO.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

// output keeps the same stack depth as the Logger methods
func output(level LogLevel, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.log(level, format, args...)
		return
	}
	log.Printf("["+level.String()+"] "+format, args...)
}

func Debug(format string, args ...interface{}) { output(DEBUG, format, args...) }

func Info(format string, args ...interface{}) { output(INFO, format, args...) }

func Warn(format string, args ...interface{}) { output(WARN, format, args...) }

func Error(format string, args ...interface{}) { output(ERROR, format, args...) }

// Fatal logs at error level, closes the log file and exits
func Fatal(format string, args ...interface{}) {
	output(ERROR, format, args...)
	Close()
	os.Exit(1)
}

// Close closes the default logger's file
func Close() error {
	if l := defaultLogger.Load(); l != nil {
		return l.Close()
	}
	return nil
}
