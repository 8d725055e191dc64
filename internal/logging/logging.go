// Package logging provides the leveled, component-scoped logger used across isolate.
package logging

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel maps a config string to a LogLevel. Unknown values are Info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger writes "<timestamp> <LEVEL> <component>: <message>" lines.
type Logger struct {
	logger    *log.Logger
	level     LogLevel
	component string
	now       func() time.Time
}

func New(logger *log.Logger, level LogLevel, component string) *Logger {
	if logger == nil {
		logger = log.New(&bytes.Buffer{}, "", 0)
	}
	return &Logger{
		logger:    logger,
		level:     level,
		component: component,
		now:       time.Now,
	}
}

// Discard returns a logger that drops everything. Used by tests and by callers
// that do not care about diagnostics.
func Discard(component string) *Logger {
	return New(nil, LogLevelError+1, component)
}

// With returns a logger for a different component sharing the same sink and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		logger:    l.logger,
		level:     l.level,
		component: component,
		now:       l.now,
	}
}

func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) Logf(level LogLevel, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LogLevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LogLevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LogLevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LogLevelError, format, args...) }
