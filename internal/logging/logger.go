// Package logging provides structured JSON logging for the capture and sync engine.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[level]; ok {
		return level
	}
	if level == "WARNING" {
		return LevelWarn
	}
	return LevelInfo
}

// Logger provides structured JSON logging.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
	fields   map[string]interface{}
	now      func() time.Time
}

// global is read by every goroutine that logs and swapped by SetGlobal.
var global atomic.Pointer[Logger]

// New creates a standalone logger writing to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		out:      out,
		minLevel: minLevel,
		now:      time.Now,
	}
}

// Init initializes the global logger. It does nothing once a global
// logger is set.
func Init(out io.Writer, minLevel LogLevel) {
	global.CompareAndSwap(nil, New(out, minLevel))
}

// Get returns the global logger instance.
func Get() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	Init(os.Stderr, LevelInfo)
	return global.Load()
}

// SetGlobal replaces the global logger and returns the previous one. It is
// safe to call while other goroutines log.
func SetGlobal(l *Logger) *Logger {
	prev := Get()
	global.Store(l)
	return prev
}

// FileOptions configures a rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileWriter returns a size-rotated writer for opts.Path.
func NewFileWriter(opts FileOptions) io.WriteCloser {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 14
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		out:      l.out,
		minLevel: l.minLevel,
		fields:   merged,
		now:      l.now,
	}
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	if len(l.fields) > 0 {
		merged := make(map[string]interface{}, len(l.fields)+len(context))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range context {
			merged[k] = v
		}
		context = merged
	}

	entry := LogEntry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	merged["error_code"] = code
	l.log(LevelError, message, err, merged)
}

// mergeContext merges multiple context maps.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
