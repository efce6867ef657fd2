package scheduler

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"claude-relay/internal/proc"
	"claude-relay/internal/registry"
)

type fakeProc struct {
	mu        sync.Mutex
	screen    string
	keys      []string
	alive     bool
	onCapture func()
}

func newFakeProc(screen string) *fakeProc {
	return &fakeProc{screen: screen, alive: true}
}

func (f *fakeProc) SendText(string) error { return nil }

func (f *fakeProc) SendKey(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeProc) Capture() string {
	f.mu.Lock()
	hook := f.onCapture
	screen := f.screen
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return screen
}

func (f *fakeProc) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProc) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func (f *fakeProc) setScreen(s string) {
	f.mu.Lock()
	f.screen = s
	f.mu.Unlock()
}

func (f *fakeProc) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

const idleScreen = "> do the thing\n⏺ Done.\n\n│ > │"

const busyScreen = "> do the thing\n✻ Pondering… (esc to interrupt)"

const decisionScreen = "⏺ Edit(main.go)\n⎿ proposed\nDo you want to make this edit?\n❯ 1. Yes\n  2. No"

func setup(t *testing.T, fp *fakeProc) (*Scheduler, *registry.Registry, *registry.Session) {
	t.Helper()
	reg := registry.New(func(string, bool) (registry.Process, error) { return fp, nil }, 10)
	sess, _, err := reg.StartOrContinue("c1", os.TempDir(), "do the thing", registry.ModeNormal)
	if err != nil {
		t.Fatal(err)
	}
	return New(reg, 10*time.Millisecond, 4), reg, sess
}

func TestTick_IdleEmitsResponseAndClearsPending(t *testing.T) {
	fp := newFakeProc(idleScreen)
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)

	select {
	case d := <-sc.Deliveries():
		if d.Kind != KindResponse {
			t.Errorf("expected response delivery, got kind %d", d.Kind)
		}
		if d.ConversationID != "c1" || d.RequestID == "" {
			t.Errorf("bad delivery routing: %+v", d)
		}
		if d.Text != "Done." {
			t.Errorf("unexpected text %q", d.Text)
		}
	default:
		t.Fatal("expected a delivery")
	}

	if sess.Pending() != nil {
		t.Error("outstanding request must be cleared after delivery")
	}
	if sess.LastEmitted() != "Done." {
		t.Error("emission must become dedup baseline")
	}
}

func TestTick_CommandDuringTickKeepsReplacementRequest(t *testing.T) {
	fp := newFakeProc(idleScreen)
	sc, _, sess := setup(t, fp)

	// A command lands after the tick has read the outstanding request but
	// before it clears the slot. The replacement owns the slot and must
	// survive the tick.
	replacement := registry.NewRequest("c1")
	fp.mu.Lock()
	fp.onCapture = func() { sess.SetPending(replacement) }
	fp.mu.Unlock()

	sc.Tick(sess)

	select {
	case d := <-sc.Deliveries():
		if d.Kind != KindResponse {
			t.Errorf("expected response delivery, got kind %d", d.Kind)
		}
		if d.RequestID == replacement.ID {
			t.Error("delivery must answer the displaced request, not the replacement")
		}
	default:
		t.Fatal("expected a delivery for the displaced request")
	}

	if sess.Pending() != replacement {
		t.Error("replacement request must still be outstanding after the tick")
	}
}

func TestTick_DuplicateContentSuppressed(t *testing.T) {
	fp := newFakeProc(idleScreen)
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)
	<-sc.Deliveries()

	// A new request against the same unchanged screen must not re-emit.
	sess.SetPending(registry.NewRequest("c1"))
	sc.Tick(sess)

	select {
	case d := <-sc.Deliveries():
		t.Errorf("duplicate content must be suppressed, got %+v", d)
	default:
	}
	if sess.Pending() == nil {
		t.Error("suppressed tick must leave the request outstanding")
	}
}

func TestTick_BusyIsNoop(t *testing.T) {
	fp := newFakeProc(busyScreen)
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)

	select {
	case d := <-sc.Deliveries():
		t.Errorf("busy session must not deliver, got %+v", d)
	default:
	}
	if sess.Pending() == nil {
		t.Error("busy tick must leave the request outstanding")
	}
}

func TestTick_AutoModeAcceptsDecision(t *testing.T) {
	fp := newFakeProc(decisionScreen)
	sc, _, sess := setup(t, fp)
	sess.SetMode(registry.ModeAuto)

	sc.Tick(sess)

	if keys := fp.sentKeys(); len(keys) != 1 || keys[0] != proc.KeyAccept {
		t.Errorf("expected one accept key, got %q", keys)
	}
	if sess.Pending() == nil {
		t.Error("the decision is not the answer; request must stay outstanding")
	}
	select {
	case d := <-sc.Deliveries():
		t.Errorf("auto mode must not surface the decision, got %+v", d)
	default:
	}
}

func TestTick_NormalModeSurfacesDecisionOnce(t *testing.T) {
	fp := newFakeProc(decisionScreen)
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)
	sc.Tick(sess)

	var got []Delivery
	for {
		select {
		case d := <-sc.Deliveries():
			got = append(got, d)
			continue
		default:
		}
		break
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly one decision delivery, got %d", len(got))
	}
	if got[0].Kind != KindDecision {
		t.Errorf("expected decision kind, got %d", got[0].Kind)
	}
	if !strings.Contains(strings.ToLower(got[0].Text), "do you want to") {
		t.Errorf("expected prompt text, got %q", got[0].Text)
	}
	if keys := fp.sentKeys(); len(keys) != 0 {
		t.Errorf("normal mode must not press keys, sent %q", keys)
	}
}

func TestTick_DecisionLatchRearmsAfterBusy(t *testing.T) {
	fp := newFakeProc(decisionScreen)
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)
	<-sc.Deliveries()

	fp.setScreen(busyScreen)
	sc.Tick(sess)

	fp.setScreen(decisionScreen)
	sc.Tick(sess)

	select {
	case d := <-sc.Deliveries():
		if d.Kind != KindDecision {
			t.Errorf("expected second decision, got %+v", d)
		}
	default:
		t.Error("a fresh prompt after activity must be surfaced again")
	}
}

func TestTick_DeadProcessDeletesSession(t *testing.T) {
	fp := newFakeProc(idleScreen)
	sc, reg, sess := setup(t, fp)

	fp.Kill()
	sc.Tick(sess)

	if reg.Get("c1") != nil {
		t.Error("session with dead process must be deleted")
	}
}

func TestTick_EmptyCaptureIsNoop(t *testing.T) {
	fp := newFakeProc("")
	sc, _, sess := setup(t, fp)

	sc.Tick(sess)

	if sess.Pending() == nil {
		t.Error("capture failure must leave state unchanged")
	}
	select {
	case d := <-sc.Deliveries():
		t.Errorf("capture failure must not deliver, got %+v", d)
	default:
	}
}

func TestRun_DeliversOverTicks(t *testing.T) {
	fp := newFakeProc(busyScreen)
	sc, _, _ := setup(t, fp)

	go sc.Run()
	defer sc.Stop()

	// Flip the screen to idle while the loop is running.
	time.Sleep(30 * time.Millisecond)
	fp.setScreen(idleScreen)

	select {
	case d := <-sc.Deliveries():
		if d.Kind != KindResponse || d.Text != "Done." {
			t.Errorf("unexpected delivery %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never delivered")
	}
}
