// Package proc owns one pseudo-terminal-backed agent process per session.
// The PTY output is fed into a vt10x terminal emulator so Capture can
// return the rendered visible screen as plain text, which is what the
// classifier and extractor operate on.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/hinshun/vt10x"

	"claude-relay/internal/classify"
)

const readBufSize = 32 * 1024

// Control keystrokes understood by the agent.
const (
	KeyEnter  = "\r"
	KeyEscape = "\x1b"
	// KeyAccept selects the affirmative entry in a decision menu and is
	// also the default answer to first-run configuration prompts.
	KeyAccept = "1"
)

// exitDirective asks the agent to quit before it is force-killed.
const exitDirective = "/exit"

// ErrSpawnTimeout means the process started but never reached a ready
// prompt within the readiness window.
var ErrSpawnTimeout = errors.New("process never reached ready state")

// RetryPolicy gathers the timing of the readiness poll: how often to look,
// how long to keep trying, and how many consecutive empty-prompt
// observations count as stable.
type RetryPolicy struct {
	Interval  time.Duration
	Timeout   time.Duration
	Stability int
}

// Config holds everything needed to spawn an agent process.
type Config struct {
	// Command is the agent binary name or path, Args its base arguments.
	Command string
	Args    []string
	// Env holds extra KEY=VALUE pairs added to the process environment,
	// typically credentials from the secrets file.
	Env []string
	// Cols and Rows size the emulated terminal. Rows bounds the visible
	// scroll-back window Capture can return.
	Cols int
	Rows int
	// Settle is the pause between typing text and submitting it.
	Settle time.Duration
	// Graceful is how long Kill waits after the exit directive before
	// force-terminating.
	Graceful time.Duration
	// Ready drives the spawn readiness poll.
	Ready RetryPolicy
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Command:  "claude",
		Cols:     200,
		Rows:     500,
		Settle:   300 * time.Millisecond,
		Graceful: 5 * time.Second,
		Ready: RetryPolicy{
			Interval:  500 * time.Millisecond,
			Timeout:   60 * time.Second,
			Stability: 3,
		},
	}
}

// Session is one live agent process behind a PTY. All writes to the
// process are serialized; Capture and Exists are safe from any goroutine.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	term vt10x.Terminal

	settle   time.Duration
	graceful time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	killMu  sync.Mutex
	killed  bool
}

// Spawn starts the agent in workDir and blocks until it is ready for
// input: the trailing non-empty screen line must be the empty prompt for
// Ready.Stability consecutive observations, which debounces transient
// redraws. First-run trust and configuration prompts seen while waiting
// are answered with KeyAccept and reset the debounce.
//
// A dangerous session is started with permission prompts disabled and
// never classifies as awaiting a decision.
func Spawn(cfg Config, workDir string, dangerous bool) (*Session, error) {
	bin, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH", cfg.Command)
	}

	args := append([]string(nil), cfg.Args...)
	if dangerous {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(cfg.Rows),
		Cols: uint16(cfg.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		cmd:      cmd,
		ptmx:     ptmx,
		term:     vt10x.New(vt10x.WithSize(cfg.Cols, cfg.Rows)),
		settle:   cfg.Settle,
		graceful: cfg.Graceful,
		done:     make(chan struct{}),
	}

	go s.readLoop()
	go s.waitForExit()

	if err := s.awaitReady(cfg.Ready); err != nil {
		s.Kill()
		return nil, err
	}
	return s, nil
}

// readLoop feeds PTY output into the terminal emulator until the PTY
// closes. Read errors end the loop; the waiter owns process state.
func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.term.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitForExit reaps the process and releases the PTY.
func (s *Session) waitForExit() {
	s.cmd.Wait()
	s.ptmx.Close()
	close(s.done)
}

// awaitReady polls Capture until the screen is stably idle.
func (s *Session) awaitReady(policy RetryPolicy) error {
	deadline := time.Now().Add(policy.Timeout)
	stable := 0

	for time.Now().Before(deadline) {
		if !s.Exists() {
			return fmt.Errorf("process exited during startup")
		}

		snap := s.Capture()
		if classify.IsFirstRunPrompt(snap) {
			s.SendKey(KeyAccept)
			stable = 0
		} else if trailingIsEmptyPrompt(snap) {
			stable++
			if stable >= policy.Stability {
				return nil
			}
		} else {
			stable = 0
		}

		time.Sleep(policy.Interval)
	}
	return ErrSpawnTimeout
}

// trailingIsEmptyPrompt reports whether the last non-empty line of the
// snapshot is the empty input prompt.
func trailingIsEmptyPrompt(snapshot string) bool {
	lines := classify.SplitLines(snapshot)
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" || classify.IsDecorative(lines[i]) {
			continue
		}
		return classify.IsEmptyPrompt(lines[i])
	}
	return false
}

// SendText types text into the process and submits it. Typing and
// submitting are distinct writes with a settling pause between them;
// submitting in the same write races the agent's input handling on slow
// redraws.
func (s *Session) SendText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.ptmx.Write([]byte(text)); err != nil {
		return fmt.Errorf("write text: %w", err)
	}
	time.Sleep(s.settle)
	if _, err := s.ptmx.Write([]byte(KeyEnter)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// SendKey sends a single control keystroke.
func (s *Session) SendKey(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.ptmx.Write([]byte(key)); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Capture returns the current visible screen content with trailing blank
// lines trimmed. Capture is polled at high frequency, so failures yield an
// empty string instead of an error; the scheduler treats that as "no
// observable change".
func (s *Session) Capture() string {
	if s.term == nil {
		return ""
	}
	return strings.Join(classify.SplitLines(s.term.String()), "\n")
}

// Exists reports whether the backing process is still alive.
func (s *Session) Exists() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Kill shuts the process down: exit directive, bounded wait, then force
// termination. All failures are swallowed; the registry, not the process,
// is authoritative about liveness.
func (s *Session) Kill() {
	s.killMu.Lock()
	if s.killed {
		s.killMu.Unlock()
		return
	}
	s.killed = true
	s.killMu.Unlock()

	if s.Exists() {
		s.writeMu.Lock()
		s.ptmx.Write([]byte(exitDirective + KeyEnter))
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(s.graceful):
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
		}
	}
}
