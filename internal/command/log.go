package command

import (
	"sync"
	"time"
)

// Line is one message in the command channel log.
type Line struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded ring buffer of lines. Past capacity the oldest line is dropped.
type Log struct {
	lines    []Line
	capacity int
	head     int
	count    int
	seq      uint64
	mu       sync.RWMutex
}

// MaxCapacity bounds the preallocated ring.
const MaxCapacity = 10000

// NewLog creates a log holding at most capacity lines, clamped to
// MaxCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 300
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Log{
		lines:    make([]Line, capacity),
		capacity: capacity,
	}
}

// Add appends text and returns the stored line.
func (l *Log) Add(text string) Line {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	line := Line{Seq: l.seq, Time: time.Now(), Text: text}
	l.lines[l.head] = line
	l.head = (l.head + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}
	return line
}

// All returns every retained line, oldest first.
func (l *Log) All() []Line {
	return l.Last(l.capacity)
}

// Last returns the newest n lines, oldest first.
func (l *Log) Last(n int) []Line {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count || n < 0 {
		n = l.count
	}

	result := make([]Line, n)
	start := (l.head - n + l.capacity) % l.capacity
	for i := 0; i < n; i++ {
		result[i] = l.lines[(start+i)%l.capacity]
	}
	return result
}

// Count returns the number of retained lines.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the maximum number of retained lines.
func (l *Log) Capacity() int {
	return l.capacity
}

// Clear removes all lines. Sequence numbers keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head = 0
	l.count = 0
}
