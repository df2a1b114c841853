// Package awnutil provides the ambient logging and error-wrapping helpers
// shared by every package in the core: schedulers, heaps, queues and the
// resource pipeline all log through the same small structured logger
// instead of reaching for fmt.Printf.
package awnutil

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[36m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
	FATAL: "\033[35m",
}

const colorReset = "\033[0m"

// Logger provides structured, prettified logging with separation of concerns.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	component  string
	output     io.Writer
	colorize   bool
	showCaller bool
	timeFormat string
}

// LoggerConfig configures a logger instance.
type LoggerConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(config LoggerConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	return &Logger{
		level:      config.Level,
		component:  config.Component,
		output:     config.Output,
		colorize:   config.Colorize,
		showCaller: config.ShowCaller,
		timeFormat: config.TimeFormat,
	}
}

// DefaultLogger creates a logger with sensible defaults.
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{
		Level:      INFO,
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		ShowCaller: false,
		TimeFormat: "15:04:05.000",
	})
}

// With returns a new logger scoped to a sub-component, e.g.
// "scheduler.worker" for per-core worker logs.
func (l *Logger) With(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	joined := component
	if l.component != "" {
		joined = l.component + "." + component
	}
	return &Logger{
		level:      l.level,
		component:  joined,
		output:     l.output,
		colorize:   l.colorize,
		showCaller: l.showCaller,
		timeFormat: l.timeFormat,
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// Fatal logs a fatal message and exits. Reserved for invariant violations
// that the framework considers unreachable in correct use (see the abort
// path in the error-handling design).
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(FATAL, msg, fields...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format(l.timeFormat)
	levelStr := levelNames[level]

	var b strings.Builder
	if l.colorize {
		b.WriteString(levelColors[level])
	}

	b.WriteString("[")
	b.WriteString(timestamp)
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelStr))
	b.WriteString("] ")

	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}

	b.WriteString(msg)

	if len(fields) > 0 {
		b.WriteString(" ")
		for i, field := range fields {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(field.Key)
			b.WriteString("=")
			b.WriteString(field.format())
		}
	}

	if l.showCaller {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			parts := strings.Split(file, "/")
			b.WriteString(fmt.Sprintf(" (%s:%d)", parts[len(parts)-1], line))
		}
	}

	if l.colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")

	l.output.Write([]byte(b.String()))
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field       { return Field{key, value} }
func Int(key string, value int) Field      { return Field{key, value} }
func Uint32(key string, value uint32) Field { return Field{key, value} }
func Uint64(key string, value uint64) Field { return Field{key, value} }
func Float64(key string, value float64) Field { return Field{key, value} }
func Bool(key string, value bool) Field    { return Field{key, value} }
func Err(err error) Field                  { return Field{"error", err} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field { return Field{key, value} }

var (
	globalMu     sync.RWMutex
	globalLogger = DefaultLogger("awn")
)

// SetGlobalLogger replaces the package-wide default logger.
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func Debug(msg string, fields ...Field) { global().Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { global().Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { global().Warn(msg, fields...) }
func Error(msg string, fields ...Field) { global().Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { global().Fatal(msg, fields...) }
