package logging

// Structured JSON logging for chaosbot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// ParseLevel maps a config string to a LogLevel. Unknown values get INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "silent":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarn
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// bufferMax bounds the in-memory log buffer used for SSE streaming.
const bufferMax = 1000

// F carries the structured fields attached to a log entry. Zero-value
// fields are omitted from the JSON line.
type F struct {
	Module   string
	VlanID   int
	SourceIP string
	TargetIP string
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Module    string `json:"module,omitempty"`
	VlanID    int    `json:"vlan_id,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	TargetIP  string `json:"target_ip,omitempty"`
	Message   string `json:"message"`
}

// Logger emits JSON log lines to stdout, an optional file, and a bounded
// in-memory buffer consumed by the SSE log stream.
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	out    *os.File
	file   *os.File
	buffer []string
	subs   map[chan string]struct{}
}

// NewLogger creates a new logger. logFile may be empty.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	l := &Logger{level: level, out: os.Stdout}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
	}

	return l, nil
}

// Close closes the logger's file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Subscribe registers a channel that receives every log line written
// after the call. Slow consumers lose lines instead of blocking the
// writer.
func (l *Logger) Subscribe() chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[chan string]struct{})
	}
	ch := make(chan string, 64)
	l.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (l *Logger) Unsubscribe(ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, ch)
}

// Buffer returns a copy of the buffered log lines.
func (l *Logger) Buffer() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.buffer))
	copy(out, l.buffer)
	return out
}

// Error logs an error message
func (l *Logger) Error(f F, format string, v ...any) {
	l.write(LogLevelError, "ERROR", f, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(f F, format string, v ...any) {
	l.write(LogLevelWarn, "WARNING", f, format, v...)
}

// Info logs an info message
func (l *Logger) Info(f F, format string, v ...any) {
	l.write(LogLevelInfo, "INFO", f, format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(f F, format string, v ...any) {
	l.write(LogLevelDebug, "DEBUG", f, format, v...)
}

func (l *Logger) write(lvl LogLevel, name string, f F, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level < lvl {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     name,
		Module:    f.Module,
		VlanID:    f.VlanID,
		SourceIP:  f.SourceIP,
		TargetIP:  f.TargetIP,
		Message:   fmt.Sprintf(format, v...),
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	line := string(b)

	fmt.Fprintln(l.out, line)
	if l.file != nil {
		fmt.Fprintln(l.file, line)
	}

	l.buffer = append(l.buffer, line)
	if len(l.buffer) > bufferMax {
		l.buffer = l.buffer[len(l.buffer)-bufferMax:]
	}

	for ch := range l.subs {
		select {
		case ch <- line:
		default:
		}
	}
}
