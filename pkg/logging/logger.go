package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging severity
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of a Level
func (l Level) String() string {
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
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// entry is one structured log line
type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger provides leveled, optionally JSON-formatted logging
type Logger struct {
	mu        sync.Mutex
	level     Level
	format    string // "json" or "text"
	output    io.Writer
	component string
}

// New creates a logger writing text-formatted lines to stdout
func New(level Level) *Logger {
	return &Logger{level: level, format: "text", output: os.Stdout}
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(ParseLevel(os.Getenv("LOG_LEVEL")))
	})
	return defaultLogger
}

// WithComponent returns a logger that tags every entry with a component name
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{level: l.level, format: l.format, output: l.output, component: name}
}

// SetFormat switches between "text" and "json" output
func (l *Logger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	if level < l.level {
		return
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	line := fmt.Sprintf("[%s] %s", e.Timestamp, e.Level)
	if e.Component != "" {
		line += " [" + e.Component + "]"
	}
	line += " " + e.Message
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.output, line)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...map[string]any) { l.log(DEBUG, msg, merge(fields)) }

// Info logs an informational message
func (l *Logger) Info(msg string, fields ...map[string]any) { l.log(INFO, msg, merge(fields)) }

// Warn logs a warning
func (l *Logger) Warn(msg string, fields ...map[string]any) { l.log(WARN, msg, merge(fields)) }

// Error logs an error
func (l *Logger) Error(msg string, fields ...map[string]any) { l.log(ERROR, msg, merge(fields)) }

func merge(fields []map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	if len(fields) == 1 {
		return fields[0]
	}
	out := make(map[string]any)
	for _, f := range fields {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}
