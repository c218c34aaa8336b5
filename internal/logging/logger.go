package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CallLog represents a single RPC call's completion: one ordered
// multicast or P2P send, from this node's point of view.
type CallLog struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	SpanID      string    `json:"span_id,omitempty"`
	Method      string    `json:"method"`
	Subgroup    uint32    `json:"subgroup"`
	Kind        string    `json:"kind"` // "ordered" or "p2p"
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	PayloadSize int       `json:"payload_size"`
	Retries     int       `json:"retries,omitempty"`
}

// Logger handles per-call logging, independent of the structured
// application logger in slog.go/structured.go.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default call logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a call log entry.
func (l *Logger) Log(entry *CallLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[call] %s %s %s(sg=%d) %dms%s\n",
			status, entry.Kind, entry.Method, entry.Subgroup, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[call]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
