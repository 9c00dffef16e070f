// Package logging provides the agent's in-memory structured log, crash logs and
// optional Sentry reporting.
package logging

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel converts a level name. ok is false for unknown names.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups entries by subsystem.
type Category string

const (
	CatCard      Category = "card"
	CatPresence  Category = "presence"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatSystem    Category = "system"
)

// Entry is a single log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarises the buffer contents.
type Stats struct {
	Total    int              `json:"total"`
	Capacity int              `json:"capacity"`
	Dropped  uint64           `json:"dropped"`
	ByLevel  map[string]int   `json:"byLevel"`
	ByCat    map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a fixed-size ring.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	dropped  uint64
	minLevel Level
	echo     bool
}

// NewLogger creates a ring of the given capacity. Entries below minLevel are discarded.
func NewLogger(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger(1000, LevelInfo)
)

// Init replaces the process-wide logger. Entries are also echoed to stderr.
func Init(capacity int, minLevel Level) {
	l := NewLogger(capacity, minLevel)
	l.echo = true
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Get returns the process-wide logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log appends an entry.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}
	e := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}

	l.mu.Lock()
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	echo := l.echo
	l.mu.Unlock()

	if echo {
		if len(data) > 0 {
			d, _ := json.Marshal(data)
			log.Printf("[%s] %s: %s %s", level, cat, msg, d)
		} else {
			log.Printf("[%s] %s: %s", level, cat, msg)
		}
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}

	out := make([]Entry, 0, min(limit, n))
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats reports counts per level and category.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}
	s := Stats{
		Total:    n,
		Capacity: len(l.entries),
		Dropped:  l.dropped,
		ByLevel:  make(map[string]int),
		ByCat:    make(map[Category]int),
	}
	for i := 0; i < n; i++ {
		s.ByLevel[l.entries[i].Level.String()]++
		s.ByCat[l.entries[i].Category]++
	}
	return s
}

// Clear drops every entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next = 0
	l.full = false
	l.dropped = 0
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
