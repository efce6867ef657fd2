// Package registry owns the mapping from conversation key to live session.
// It is the single shared mutable structure in the system: creation is
// idempotent per key, and deletion drops the whole record (process handle,
// snapshots, outstanding request) as one unit so partial cleanup cannot
// occur.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode controls how permission prompts are handled for a session.
type Mode string

const (
	// ModeNormal surfaces decisions to the external sink.
	ModeNormal Mode = "normal"
	// ModeAuto answers decisions affirmatively without asking.
	ModeAuto Mode = "auto"
	// ModeDangerous starts the process with prompts disabled, so it
	// never reaches a decision at all.
	ModeDangerous Mode = "dangerous"
)

// ParseMode maps the wire value to a Mode, defaulting to normal.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAuto:
		return ModeAuto
	case ModeDangerous:
		return ModeDangerous
	default:
		return ModeNormal
	}
}

// Process is the slice of the process session the registry and scheduler
// need. *proc.Session satisfies it; tests substitute fakes.
type Process interface {
	SendText(text string) error
	SendKey(key string) error
	Capture() string
	Exists() bool
	Kill()
}

// Request is the unit of work the scheduler watches for: a reply owed to
// Target once the session goes idle with new content.
type Request struct {
	ID     string
	Target string
}

// NewRequest creates a request owed to the given sink target.
func NewRequest(target string) *Request {
	return &Request{ID: uuid.New().String(), Target: target}
}

// Session is one conversation's controller state. The process handle is
// exclusively owned by its session; all mutable fields sit behind one
// mutex so a tick and an inbound command cannot interleave partial state.
type Session struct {
	ID        string
	WorkDir   string
	CreatedAt time.Time

	// Proc is nil until spawn completes; ready is closed when it has,
	// with spawnErr carrying any failure to callers that raced in.
	Proc      Process
	ready     chan struct{}
	spawnErr  error
	dangerous bool

	mu           sync.Mutex
	mode         Mode
	lastSnapshot string
	lastEmitted  string
	pending      *Request
	lastActivity time.Time
	decisionSent bool
	ticking      bool
}

// Mode returns the session's current mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode updates the mode. Dangerous-ness of the backing process is fixed
// at spawn; a later switch to dangerous behaves like auto-accept.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Dangerous reports whether the process was spawned with prompts disabled.
func (s *Session) Dangerous() bool {
	return s.dangerous
}

// AutoAccepts reports whether decisions should be answered automatically.
func (s *Session) AutoAccepts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == ModeAuto || s.mode == ModeDangerous
}

// Pending returns the outstanding request, or nil when no reply is owed.
func (s *Session) Pending() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// SetPending records a new outstanding request and returns the one it
// displaced, if any, so the caller can notify its owner.
func (s *Session) SetPending(req *Request) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.pending
	s.pending = req
	s.lastActivity = time.Now()
	return old
}

// ClearPending marks the outstanding request answered with the given
// emission, which becomes the dedup baseline for the next extraction.
// The slot is cleared only if req is still the outstanding request; a
// command that displaced req mid-tick keeps its own claim on the slot.
func (s *Session) ClearPending(req *Request, emitted string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEmitted = emitted
	s.lastActivity = time.Now()
	if s.pending != req {
		return false
	}
	s.pending = nil
	return true
}

// LastEmitted returns the dedup baseline.
func (s *Session) LastEmitted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEmitted
}

// UpdateSnapshot stores the most recent captured screen.
func (s *Session) UpdateSnapshot(snap string) {
	s.mu.Lock()
	s.lastSnapshot = snap
	s.mu.Unlock()
}

// LastSnapshot returns the most recent captured screen.
func (s *Session) LastSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// Touch refreshes the activity timestamp that drives TTL eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkDecisionSent latches the Normal-mode decision notice. It returns
// false if the notice was already sent for the current prompt.
func (s *Session) MarkDecisionSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decisionSent {
		return false
	}
	s.decisionSent = true
	return true
}

// ResetDecisionSent re-arms the decision notice once the session has left
// the awaiting-decision state.
func (s *Session) ResetDecisionSent() {
	s.mu.Lock()
	s.decisionSent = false
	s.mu.Unlock()
}

// TryBeginTick claims the session for one scheduler tick. A session whose
// previous tick is still running is skipped, which keeps one slow capture
// from piling up goroutines.
func (s *Session) TryBeginTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticking {
		return false
	}
	s.ticking = true
	return true
}

// EndTick releases the tick claim.
func (s *Session) EndTick() {
	s.mu.Lock()
	s.ticking = false
	s.mu.Unlock()
}
