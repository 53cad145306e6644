package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string (debug, info, warn, error) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR, FATAL:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	outputMu     sync.RWMutex
	output       io.Writer = os.Stdout
	defaultLevel           = INFO
	exitFunc               = os.Exit
)

// SetOutput redirects every logger created afterwards to w.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// SetDefaultLevel sets the level used by loggers created afterwards.
func SetDefaultLevel(level LogLevel) {
	outputMu.Lock()
	defer outputMu.Unlock()
	defaultLevel = level
}

// Logger is a leveled, prefixed logger backed by log/slog.
type Logger struct {
	level  *slog.LevelVar
	prefix string
	logger *slog.Logger
}

// NewLogger creates a new Logger instance with the default level (INFO unless changed)
func NewLogger(prefix string) *Logger {
	outputMu.RLock()
	w, lvl := output, defaultLevel
	outputMu.RUnlock()
	return newLogger(prefix, w, lvl)
}

func newLogger(prefix string, w io.Writer, level LogLevel) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(level.slogLevel())
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	sl := slog.New(h)
	if prefix != "" {
		sl = sl.With(slog.String("component", prefix))
	}
	return &Logger{level: lv, prefix: prefix, logger: sl}
}

// With returns a child logger that attaches key=value to every record.
// The child shares its parent's level.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		level:  l.level,
		prefix: l.prefix,
		logger: l.logger.With(key, value),
	}
}

// GetPrefix returns the component prefix
func (l *Logger) GetPrefix() string {
	return l.prefix
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	switch l.level.Level() {
	case slog.LevelDebug:
		return DEBUG
	case slog.LevelWarn:
		return WARN
	case slog.LevelError:
		return ERROR
	default:
		return INFO
	}
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	ctx := context.Background()
	sl := level.slogLevel()
	if !l.logger.Enabled(ctx, sl) && level != FATAL {
		return
	}

	message := fmt.Sprintf(format, args...)
	if level == FATAL {
		l.logger.Log(ctx, sl, message, slog.Bool("fatal", true), slog.String("stack", string(debug.Stack())))
		exitFunc(1)
		return
	}
	l.logger.Log(ctx, sl, message)
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message and exits the program
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}
