// Package logger writes one JSON object per line to stderr. Values are
// scrubbed of PHI before they are written unless redaction is disabled.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a config string onto a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Logger provides structured JSON logging with PHI redaction.
type Logger struct {
	mu        sync.Mutex
	level     Level
	redactPHI bool
	out       io.Writer
	base      map[string]interface{}
}

var defaultLogger = &Logger{level: INFO, redactPHI: true, out: os.Stderr}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.level = l
	defaultLogger.mu.Unlock()
}

// SetRedactPHI enables or disables redaction for the default logger.
// Only local debugging should ever turn it off.
func SetRedactPHI(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPHI = r
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.out = w
	defaultLogger.mu.Unlock()
}

// With returns a logger that adds the given key-value pairs to every entry.
func With(fields ...interface{}) *Logger {
	return defaultLogger.With(fields...)
}

// With returns a child logger carrying extra fields.
func (l *Logger) With(fields ...interface{}) *Logger {
	l.mu.Lock()
	child := &Logger{level: l.level, redactPHI: l.redactPHI, out: l.out, base: make(map[string]interface{}, len(l.base)+len(fields)/2)}
	l.mu.Unlock()
	for k, v := range l.base {
		child.base[k] = v
	}
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		child.base[key] = child.render(key, fields[i+1])
	}
	return child
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.mu.Lock()
	min, redact := l.level, l.redactPHI
	l.mu.Unlock()
	if level < min {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
	}
	for k, v := range l.base {
		entry[k] = v
	}
	if redact {
		msg = RedactText(msg)
	}
	entry["msg"] = msg

	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		entry[key] = l.render(key, fields[i+1])
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

func (l *Logger) render(key string, v interface{}) string {
	var val string
	if err, ok := v.(error); ok && err != nil {
		val = err.Error()
	} else {
		val = fmt.Sprintf("%v", v)
	}
	if l.redactPHI {
		val = redactValue(key, val)
	}
	return val
}
