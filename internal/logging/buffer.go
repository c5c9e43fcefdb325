package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultBufferEntries is how many recent log entries are kept in memory.
const DefaultBufferEntries = 2000

// Entry is one captured log line.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Filter selects entries from the buffer. Zero values match everything.
type Filter struct {
	Level     string
	Component string
	Search    string
	Limit     int
}

var levelRank = map[string]int{
	"trace": -1,
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
	"fatal": 4,
	"panic": 5,
}

// Buffer is a ring buffer of recent log entries. It implements io.Writer
// so zerolog can write JSON lines straight into it.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewBuffer creates a buffer holding up to size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferEntries
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Write parses one zerolog JSON line and stores it.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := Entry{Time: time.Now()}

	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		entry.Level = "info"
		entry.Message = strings.TrimSpace(string(p))
	} else {
		if v, ok := raw["level"].(string); ok {
			entry.Level = v
			delete(raw, "level")
		}
		if v, ok := raw["message"].(string); ok {
			entry.Message = v
			delete(raw, "message")
		}
		if v, ok := raw["component"].(string); ok {
			entry.Component = v
			delete(raw, "component")
		}
		if v, ok := raw["time"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				entry.Time = ts
			}
			delete(raw, "time")
		}
		if len(raw) > 0 {
			entry.Fields = raw
		}
	}

	b.add(entry)
	return len(p), nil
}

func (b *Buffer) add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns matching entries, newest first.
func (b *Buffer) Recent(f Filter) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = len(b.entries)
	}

	minRank, hasLevel := levelRank[strings.ToLower(f.Level)]
	search := strings.ToLower(f.Search)

	var out []Entry
	for i := 0; i < n; i++ {
		idx := (b.next - 1 - i + len(b.entries)) % len(b.entries)
		e := b.entries[idx]

		if hasLevel && levelRank[e.Level] < minRank {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}

		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}
