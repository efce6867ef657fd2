package gateway

import (
	"sync"

	"claude-relay/internal/protocol"
)

// History holds the recent outbound messages of one conversation so a
// client that connects late still sees the responses and decision prompts
// already sent. Capacity is fixed; the oldest message gives way. Messages
// are kept typed and marshaled only at replay time.
type History struct {
	mu       sync.RWMutex
	buf      []*protocol.Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	return &History{
		buf:      make([]*protocol.Message, capacity),
		capacity: capacity,
	}
}

// Append records an outbound message, evicting the oldest when full.
func (h *History) Append(msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.pos] = msg
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// All returns the buffered messages in the order they were sent.
func (h *History) All() []*protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		result := make([]*protocol.Message, h.pos)
		copy(result, h.buf[:h.pos])
		return result
	}

	result := make([]*protocol.Message, h.capacity)
	copy(result, h.buf[h.pos:])
	copy(result[h.capacity-h.pos:], h.buf[:h.pos])
	return result
}
