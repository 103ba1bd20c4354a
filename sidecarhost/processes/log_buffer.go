package processes

import (
	"sync"
	"time"
)

// LogEntry represents a single line of backend output
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer maintains a circular buffer of recent backend output.
// IDs keep increasing across process restarts so readers can resume with GetEntriesFromID.
type LogBuffer struct {
	mu        sync.RWMutex
	entries   []LogEntry
	capacity  int
	nextID    int64
	callbacks map[int]func(LogEntry)
	nextCbID  int
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		entries:   make([]LogEntry, 0, capacity),
		capacity:  capacity,
		nextID:    1,
		callbacks: make(map[int]func(LogEntry)),
	}
}

// AddEntry adds a new log entry to the buffer and returns it
func (lb *LogBuffer) AddEntry(level, source, message string, pid int) LogEntry {
	lb.mu.Lock()

	entry := LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		PID:       pid,
	}

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++

	callbacks := make([]func(LogEntry), 0, len(lb.callbacks))
	for _, cb := range lb.callbacks {
		callbacks = append(callbacks, cb)
	}
	lb.mu.Unlock()

	for _, callback := range callbacks {
		callback(entry)
	}
	return entry
}

// GetEntriesFromID returns all log entries with ID greater than the specified ID
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// GetLatestEntries returns the most recent N log entries
func (lb *LogBuffer) GetLatestEntries(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}

	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// AddCallback registers a function called synchronously for every new entry.
// Callbacks must not block; the SSE log stream hands entries to a buffered channel.
// The returned func removes the callback.
func (lb *LogBuffer) AddCallback(callback func(LogEntry)) func() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	id := lb.nextCbID
	lb.nextCbID++
	lb.callbacks[id] = callback
	return func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		delete(lb.callbacks, id)
	}
}

// GetLatestID returns the ID of the most recent log entry
func (lb *LogBuffer) GetLatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}
