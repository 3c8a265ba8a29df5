// Package logging provides simple leveled, categorized logging for the
// binderd host: every subsystem (refcount engine, transaction engine,
// buffer pool, dispatch loop) tags its lines with the component that
// produced them, the way binder's own kernel driver prefixes debugfs
// output by subsystem (proc/thread/node/ref/transaction) rather than
// emitting one undifferentiated stream.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// loggerCore is the state a Logger and every Logger derived from it via
// WithCategory share: one underlying writer, one level, one mutex. Only
// the category differs between a Logger and its derivatives.
type loggerCore struct {
	logger *log.Logger
	level  LogLevel
	mu     sync.Mutex
}

// Logger wraps stdlib log with level support and an optional category
// prefix identifying which binder subsystem emitted a line.
type Logger struct {
	core     *loggerCore
	category string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		core: &loggerCore{
			logger: log.New(output, "", log.LstdFlags),
			level:  config.Level,
		},
	}
}

// WithCategory returns a Logger that shares this Logger's writer, level
// and lock but tags every line with cat (e.g. "refcount", "transaction",
// "bufferpool", "dispatch"), the way Host and Pool label their own
// subsystem's lines (see internal/core.New and Host.Mmap in internal/core).
func (l *Logger) WithCategory(cat string) *Logger {
	return &Logger{core: l.core, category: cat}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) prefix(tag string) string {
	if l.category == "" {
		return tag
	}
	return tag + "[" + l.category + "]"
}

func (l *Logger) log(level LogLevel, tag, msg string, args ...any) {
	if level < l.core.level {
		return
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.logger.Printf("%s %s%s", l.prefix(tag), msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
