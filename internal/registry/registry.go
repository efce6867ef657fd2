package registry

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"claude-relay/internal/proc"
)

// SpawnFunc starts a backing process rooted at workDir. It blocks until
// the process is ready for input.
type SpawnFunc func(workDir string, dangerous bool) (Process, error)

// Registry maps conversation keys to sessions. Create-or-get is the only
// creation path; a second caller for the same key always gets the first
// caller's session, never a duplicate process.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	spawn       SpawnFunc
	maxSessions int
}

// New creates a registry that spawns processes with the given function and
// refuses to hold more than maxSessions live sessions.
func New(spawn SpawnFunc, maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		spawn:       spawn,
		maxSessions: maxSessions,
	}
}

// StartOrContinue routes an inbound command: it reuses or creates the
// session for the conversation key, forwards the text to the process, and
// records the outstanding request. The returned superseded request, if not
// nil, was displaced before its reply arrived and its owner should be told.
func (r *Registry) StartOrContinue(conversationID, workDir, text string, mode Mode) (sess *Session, superseded *Request, err error) {
	dangerous := mode == ModeDangerous

	// A session whose process died is condemned: delete it and build a
	// fresh one rather than feeding text to a corpse.
	for attempt := 0; attempt < 2; attempt++ {
		sess, err = r.getOrCreate(conversationID, workDir, dangerous, mode)
		if err != nil {
			return nil, nil, err
		}
		if sess.Proc.Exists() {
			break
		}
		r.Delete(conversationID)
		sess = nil
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("session for %s keeps dying on spawn", conversationID)
	}

	sess.SetMode(mode)

	if err := sess.Proc.SendText(text); err != nil {
		return nil, nil, fmt.Errorf("send to session %s: %w", conversationID, err)
	}

	superseded = sess.SetPending(NewRequest(conversationID))
	return sess, superseded, nil
}

// getOrCreate returns the existing session for the key or spawns one.
// Concurrent callers for a new key race to insert a placeholder; losers
// wait for the winner's spawn to finish.
func (r *Registry) getOrCreate(id, workDir string, dangerous bool, mode Mode) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		<-s.ready
		if s.spawnErr != nil {
			return nil, s.spawnErr
		}
		return s, nil
	}

	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("maximum session limit reached (%d)", r.maxSessions)
	}

	if err := checkDir(workDir); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		WorkDir:   workDir,
		CreatedAt: now,
		ready:     make(chan struct{}),
		dangerous: dangerous,
		mode:      mode,
	}
	s.lastActivity = now
	r.sessions[id] = s
	r.mu.Unlock()

	p, err := r.spawn(workDir, dangerous)

	// The map may have moved on while the spawn was in flight: a
	// Terminate can remove this placeholder, and a later caller can
	// insert its own. Only this exact record may be deleted, and a
	// process spawned for a removed record must not outlive it.
	r.mu.Lock()
	current := r.sessions[id] == s
	if err != nil {
		if current {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		s.spawnErr = fmt.Errorf("spawn session %s: %w", id, err)
		close(s.ready)
		return nil, s.spawnErr
	}
	if !current {
		r.mu.Unlock()
		s.spawnErr = fmt.Errorf("session %s terminated during spawn", id)
		close(s.ready)
		p.Kill()
		return nil, s.spawnErr
	}

	s.Proc = p
	r.mu.Unlock()
	close(s.ready)
	log.Printf("session %s: spawned in %s (dangerous=%v)", id, workDir, dangerous)
	return s, nil
}

// Decide forwards a yes/no answer. With no outstanding request a decision
// is meaningless and the call is a no-op.
func (r *Registry) Decide(conversationID string, accept bool) error {
	s := r.Get(conversationID)
	if s == nil {
		return fmt.Errorf("no session for conversation %s", conversationID)
	}
	if s.Pending() == nil {
		return nil
	}

	key := proc.KeyAccept
	if !accept {
		key = proc.KeyEscape
	}
	if err := s.Proc.SendKey(key); err != nil {
		return fmt.Errorf("send decision to session %s: %w", conversationID, err)
	}
	s.Touch()
	return nil
}

// Terminate kills a session's process and removes the session. It reports
// whether the session existed.
func (r *Registry) Terminate(conversationID string) bool {
	return r.Delete(conversationID)
}

// Get returns the session for a conversation key, or nil. Sessions still
// mid-spawn are invisible until ready.
func (r *Registry) Get(conversationID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-s.ready:
	default:
		return nil
	}
	if s.spawnErr != nil {
		return nil
	}
	return s
}

// Delete removes a session and kills its process. The record and every
// field hanging off it go away in one map delete.
func (r *Registry) Delete(conversationID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	if ok {
		delete(r.sessions, conversationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if s.Proc != nil {
		s.Proc.Kill()
	}
	log.Printf("session %s: deleted", conversationID)
	return true
}

// Sessions returns a snapshot of all ready sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		select {
		case <-s.ready:
			if s.spawnErr == nil {
				out = append(out, s)
			}
		default:
		}
	}
	return out
}

// Info is the operator-facing view of a session.
type Info struct {
	ID           string    `json:"id"`
	WorkDir      string    `json:"workDir"`
	Mode         string    `json:"mode"`
	Alive        bool      `json:"alive"`
	Pending      bool      `json:"pending"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// List returns an Info snapshot for every ready session.
func (r *Registry) List() []Info {
	sessions := r.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			ID:           s.ID,
			WorkDir:      s.WorkDir,
			Mode:         string(s.Mode()),
			Alive:        s.Proc.Exists(),
			Pending:      s.Pending() != nil,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	return out
}

// Shutdown deletes every session, killing its process.
func (r *Registry) Shutdown() {
	for _, s := range r.Sessions() {
		r.Delete(s.ID)
	}
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}
