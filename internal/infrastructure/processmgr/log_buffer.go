package processmgr

import "sync"

// defaultLogLines is the per-port backlog kept for backend output.
const defaultLogLines = 500

// logBuffer is a thread-safe ring of output lines for one backend port.
// Append is O(1); Tail copies at most capacity lines.
type logBuffer struct {
	mu      sync.RWMutex
	entries []string // fixed length ring, allocated once
	head    int      // next write position
	size    int      // number of valid entries
}

func newLogBuffer(capacity int) *logBuffer {
	if capacity <= 0 {
		capacity = defaultLogLines
	}
	return &logBuffer{entries: make([]string, capacity)}
}

// Append adds a line, overwriting the oldest one when full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries[b.head] = line
	b.head = (b.head + 1) % n
	if b.size < n {
		b.size++
	}
}

// Tail returns up to lines entries, newest first. lines <= 0 means everything kept.
// The returned slice is owned by the caller.
func (b *logBuffer) Tail(lines int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if lines <= 0 || lines > b.size {
		lines = b.size
	}

	n := len(b.entries)
	newest := (b.head - 1 + n) % n
	out := make([]string, lines)
	for i := range out {
		out[i] = b.entries[(newest-i+n)%n]
	}
	return out
}

// Reset forgets every line. A port's buffer is reset whenever a new session's backend starts on it.
func (b *logBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.entries)
	b.head = 0
	b.size = 0
}
