// Package logging provides structured JSON logging with levels and queryable storage.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// levelPriority returns numeric priority for level comparison
func levelPriority(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// store is the shared sink behind a logger and all of its scoped children.
type store struct {
	mu         sync.RWMutex
	output     io.Writer
	level      Level
	entries    []Entry
	maxEntries int
	counts     map[Level]int64
}

// Logger provides structured logging with in-memory storage for querying.
// Scoped child loggers created via WithComponent/WithSession share the
// parent's output, level, and stored entries.
type Logger struct {
	s         *store
	component string
	sessionID string
}

// Config holds logger configuration
type Config struct {
	Output     io.Writer // Output writer (default: os.Stderr)
	Level      Level     // Minimum log level (default: info)
	Component  string    // Component name for all entries
	MaxEntries int       // Max entries to keep in memory (default: 1000)
}

// New creates a new logger with the given configuration
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	return &Logger{
		s: &store{
			output:     cfg.Output,
			level:      cfg.Level,
			entries:    make([]Entry, 0, cfg.MaxEntries),
			maxEntries: cfg.MaxEntries,
			counts:     make(map[Level]int64),
		},
		component: cfg.Component,
	}
}

// Discard returns a logger that drops all output. Useful as a default for
// components that accept an optional logger.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: LevelError, MaxEntries: 1})
}

// SetLevel changes the minimum log level for the logger and all its children
func (l *Logger) SetLevel(level Level) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.level = level
}

// WithComponent returns a child logger that tags all entries with the component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{s: l.s, component: component, sessionID: l.sessionID}
}

// WithSession returns a child logger that adds session_id to all entries
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{s: l.s, component: l.component, sessionID: sessionID}
}

// log writes a log entry if it meets the level threshold
func (l *Logger) log(level Level, msg string, fields map[string]any) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if levelPriority(level) < levelPriority(l.s.level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Component: l.component,
		SessionID: l.sessionID,
		Fields:    fields,
	}

	l.s.counts[level]++

	// Store entry (ring buffer)
	if len(l.s.entries) >= l.s.maxEntries {
		copy(l.s.entries, l.s.entries[1:])
		l.s.entries = l.s.entries[:len(l.s.entries)-1]
	}
	l.s.entries = append(l.s.entries, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.s.output, `{"level":"error","message":"failed to marshal log entry: %s"}`+"\n", err)
		return
	}
	l.s.output.Write(append(data, '\n'))
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, first(fields))
}

// Info logs at info level
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, first(fields))
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, first(fields))
}

// Error logs at error level
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, first(fields))
}

func first(fields []map[string]any) map[string]any {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Query parameters for filtering logs
type Query struct {
	Level     Level     // Filter by minimum level
	SessionID string    // Filter by session ID
	Since     time.Time // Filter entries after this time
	Until     time.Time // Filter entries before this time
	Limit     int       // Max entries to return (0 = all)
	Component string    // Filter by component
}

// QueryResult contains filtered log entries and metadata
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`  // Total entries matching filter (before limit)
	Counts  Stats   `json:"counts"` // Overall counts by level
}

// Stats contains log statistics
type Stats struct {
	Debug int64 `json:"debug"`
	Info  int64 `json:"info"`
	Warn  int64 `json:"warn"`
	Error int64 `json:"error"`
	Total int64 `json:"total"`
}

// Query returns log entries matching the filter criteria
func (l *Logger) Query(q Query) QueryResult {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	stats := l.statsUnlocked()

	var filtered []Entry
	for _, e := range l.s.entries {
		if q.Level != "" && levelPriority(e.Level) < levelPriority(q.Level) {
			continue
		}
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)

	if q.Limit > 0 && len(filtered) > q.Limit {
		// Return most recent entries
		filtered = filtered[len(filtered)-q.Limit:]
	}

	return QueryResult{
		Entries: filtered,
		Total:   total,
		Counts:  stats,
	}
}

// Stats returns current log statistics without entries
func (l *Logger) Stats() Stats {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.statsUnlocked()
}

func (l *Logger) statsUnlocked() Stats {
	stats := Stats{
		Debug: l.s.counts[LevelDebug],
		Info:  l.s.counts[LevelInfo],
		Warn:  l.s.counts[LevelWarn],
		Error: l.s.counts[LevelError],
	}
	stats.Total = stats.Debug + stats.Info + stats.Warn + stats.Error
	return stats
}

// Clear removes all stored entries and resets counts
func (l *Logger) Clear() {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.entries = make([]Entry, 0, l.s.maxEntries)
	l.s.counts = make(map[Level]int64)
}
