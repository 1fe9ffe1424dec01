// Package logger provides leveled structured logging shared by the
// fleet daemon and worker processes.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
}

// ParseLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return ERROR
	case "warn", "warning":
		return WARN
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

// Entry is a single log record.
type Entry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Fields    []interface{} // alternating key/value pairs
}

// Logger writes leveled key-value log lines to stdout and optionally a file.
type Logger struct {
	mu            sync.Mutex
	level         LogLevel
	logDir        string
	currentFile   *os.File
	consoleOutput bool
	rateLimiters  map[string]time.Time
}

// New creates a Logger. logDir may be empty to disable file output.
func New(level LogLevel, logDir string) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		consoleOutput: true,
		rateLimiters:  make(map[string]time.Time),
	}
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level
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

// Error logs an error level message
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.log(ERROR, msg, fields...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.log(WARN, msg, fields...)
}

// WarnRateLimited logs a warning at most once per interval for the given key.
// Used for recurring transient conditions (store outages, reconnect churn)
// that would otherwise flood the log.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, fields ...interface{}) {
	l.mu.Lock()
	last, ok := l.rateLimiters[key]
	now := time.Now()
	if ok && now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.rateLimiters[key] = now
	l.mu.Unlock()

	l.log(WARN, msg, fields...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.log(INFO, msg, fields...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.log(DEBUG, msg, fields...)
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

func (l *Logger) log(level LogLevel, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}

	line := formatEntry(entry)
	if l.consoleOutput {
		fmt.Println(line)
	}
	l.writeToFile(line)
}

func (l *Logger) writeToFile(line string) {
	if l.logDir == "" {
		return
	}
	if l.currentFile == nil {
		if err := os.MkdirAll(l.logDir, 0755); err != nil {
			return
		}
		f, err := os.OpenFile(filepath.Join(l.logDir, "wabot.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		l.currentFile = f
	}
	l.currentFile.WriteString(line + "\n")
}

// formatEntry renders "2006-01-02T15:04:05-07:00 [LEVEL] message k=v k=v".
// Fields keep their call-site order.
func formatEntry(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05-07:00"))
	b.WriteString(" [")
	b.WriteString(levelNames[entry.Level])
	b.WriteString("] ")
	b.WriteString(entry.Message)

	for i := 0; i+1 < len(entry.Fields); i += 2 {
		key, ok := entry.Fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", entry.Fields[i])
		}
		fmt.Fprintf(&b, " %s=%v", key, entry.Fields[i+1])
	}
	return b.String()
}
