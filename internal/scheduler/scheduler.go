// Package scheduler drives the poll loop: every tick it captures and
// classifies each session with an outstanding request and reacts. Results
// leave through a channel of Delivery values rather than nested calls, so
// delivery is testable in isolation from process control.
package scheduler

import (
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"claude-relay/internal/classify"
	"claude-relay/internal/extract"
	"claude-relay/internal/proc"
	"claude-relay/internal/registry"
)

// Kind distinguishes what a Delivery carries.
type Kind int

const (
	// KindResponse is a finished answer extracted from an idle screen.
	KindResponse Kind = iota
	// KindDecision means a Normal-mode session is blocked on a yes/no
	// prompt and the user should be asked.
	KindDecision
)

// Delivery is one unit handed to the sink.
type Delivery struct {
	ConversationID string
	RequestID      string
	Kind           Kind
	Text           string
}

// Scheduler polls all registered sessions on a fixed interval. Each
// session's tick runs as its own goroutine, bounded by a semaphore, so one
// slow capture cannot stall unrelated sessions.
type Scheduler struct {
	reg      *registry.Registry
	interval time.Duration
	out      chan Delivery
	sem      *semaphore.Weighted
	stop     chan struct{}
	done     chan struct{}
}

// New creates a scheduler ticking at the given interval with at most
// maxConcurrent session ticks in flight.
func New(reg *registry.Registry, interval time.Duration, maxConcurrent int64) *Scheduler {
	return &Scheduler{
		reg:      reg,
		interval: interval,
		out:      make(chan Delivery, 64),
		sem:      semaphore.NewWeighted(maxConcurrent),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Deliveries is the channel the sink consumes.
func (sc *Scheduler) Deliveries() <-chan Delivery {
	return sc.out
}

// Run ticks until Stop is called.
func (sc *Scheduler) Run() {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case <-ticker.C:
			sc.tickAll()
		}
	}
}

// Stop ends the tick loop and waits for it to return. In-flight session
// ticks finish on their own.
func (sc *Scheduler) Stop() {
	close(sc.stop)
	<-sc.done
}

// tickAll fans one tick out to every session owing a reply. A session
// whose previous tick is still running is skipped this round.
func (sc *Scheduler) tickAll() {
	for _, sess := range sc.reg.Sessions() {
		if sess.Pending() == nil {
			continue
		}
		if !sess.TryBeginTick() {
			continue
		}
		if !sc.sem.TryAcquire(1) {
			sess.EndTick()
			continue
		}
		go func(sess *registry.Session) {
			defer sc.sem.Release(1)
			defer sess.EndTick()
			sc.Tick(sess)
		}(sess)
	}
}

// Tick runs one capture/classify/react cycle for a session.
func (sc *Scheduler) Tick(sess *registry.Session) {
	if !sess.Proc.Exists() {
		sc.reg.Delete(sess.ID)
		return
	}

	pending := sess.Pending()
	if pending == nil {
		return
	}

	snap := sess.Proc.Capture()
	if snap == "" {
		// Transient capture failure; the next tick retries.
		return
	}
	sess.UpdateSnapshot(snap)

	switch classify.Classify(snap, sess.Dangerous()) {
	case classify.StateAwaitingDecision:
		sc.handleDecision(sess, pending, snap)

	case classify.StateIdle:
		sess.ResetDecisionSent()
		text, ok := extract.Extract(snap, sess.LastEmitted())
		if !ok {
			return
		}
		sc.out <- Delivery{
			ConversationID: pending.Target,
			RequestID:      pending.ID,
			Kind:           KindResponse,
			Text:           text,
		}
		sess.ClearPending(pending, text)

	default:
		// Busy: wait for a later tick.
		sess.ResetDecisionSent()
	}
}

// handleDecision answers the prompt automatically or surfaces it once.
// The affirmative key is not the answer itself, so the outstanding request
// stays set either way.
func (sc *Scheduler) handleDecision(sess *registry.Session, pending *registry.Request, snap string) {
	if sess.AutoAccepts() {
		if err := sess.Proc.SendKey(proc.KeyAccept); err != nil {
			log.Printf("session %s: auto-accept failed: %v", sess.ID, err)
			return
		}
		sess.Touch()
		return
	}

	if !sess.MarkDecisionSent() {
		return
	}
	prompt, _ := classify.DecisionPrompt(snap)
	sc.out <- Delivery{
		ConversationID: pending.Target,
		RequestID:      pending.ID,
		Kind:           KindDecision,
		Text:           prompt,
	}
}
