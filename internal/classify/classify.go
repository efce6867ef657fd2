// Package classify maps a captured screen snapshot to a session state.
// All functions are pure; the marker vocabularies live in tables so they
// can be tested and extended without touching the classification rules.
package classify

import (
	"regexp"
	"strings"
)

// State is the classified state of a session's screen.
type State int

const (
	// StateBooting is the state between spawn and the first ready prompt.
	StateBooting State = iota
	// StateBusy means the agent is still producing output.
	StateBusy
	// StateAwaitingDecision means the agent is blocked on a yes/no prompt.
	StateAwaitingDecision
	// StateIdle means the agent has finished and is waiting for input.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateBusy:
		return "busy"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateIdle:
		return "idle"
	}
	return "unknown"
}

const (
	// ActionMarker prefixes assistant output lines, both narrative text
	// and tool invocations ("⏺ Edit(main.go)").
	ActionMarker = "⏺"
	// ResultMarker prefixes tool result lines ("⎿ done").
	ResultMarker = "⎿"

	// busyWindow is how many trailing lines are scanned for activity.
	busyWindow = 30
	// idleWindow is how many trailing non-decorative lines are scanned
	// for an empty prompt.
	idleWindow = 15
)

// busyIndicators are substrings that mark the agent as still working.
// Matched case-insensitively against the trailing lines.
var busyIndicators = []string{
	"esc to interrupt",
	"ctrl+c to interrupt",
	"thinking…",
	"running…",
	"compacting conversation",
}

// spinnerGlyphs are the animation characters the agent draws while busy.
var spinnerGlyphs = []rune{'✻', '✽', '✶', '✢', '·', '∴', '*'}

// decisionMarkers identify a permission or confirmation prompt.
// Matched case-insensitively anywhere in the snapshot.
var decisionMarkers = []string{
	"do you want to",
	"would you like to",
	"(y/n)",
	"approve",
	"allow once",
	"allow always",
	"proceed?",
}

// firstRunMarkers identify one-time trust/configuration prompts shown on a
// fresh install. These are answered automatically during spawn, never
// surfaced as decisions.
var firstRunMarkers = []string{
	"do you trust the files",
	"choose the text style",
	"select login method",
	"press enter to continue",
}

var (
	// toolCallPattern matches a tool invocation line: marker, name, args.
	toolCallPattern = regexp.MustCompile(`^⏺\s+([A-Za-z][A-Za-z0-9_-]*)\((.*)\)\s*$`)
	// separatorPattern matches horizontal rules used as input box borders.
	separatorPattern = regexp.MustCompile(`^[─━═┄┅┈┉╌\-]{10,}$`)
	// menuEntryPattern matches a numbered decision-menu option.
	menuEntryPattern = regexp.MustCompile(`^\d+\.\s`)
)

// Classify maps a snapshot to Busy, AwaitingDecision, or Idle. Busy is
// checked first: a screen can show a trailing empty prompt while a tool
// call is still pending its result, and that must never read as Idle.
// When no rule matches the default is Busy; a false "not ready" only
// delays a response, a false "ready" truncates one.
func Classify(snapshot string, dangerous bool) State {
	lines := SplitLines(snapshot)
	if len(lines) == 0 {
		return StateBusy
	}

	if isBusy(lines) {
		return StateBusy
	}

	if !dangerous && awaitsDecision(lines) {
		return StateAwaitingDecision
	}

	if hasIdlePrompt(lines) {
		return StateIdle
	}

	return StateBusy
}

// isBusy reports whether the trailing window shows working indicators or a
// tool invocation that has not yet produced a result.
func isBusy(lines []string) bool {
	start := len(lines) - busyWindow
	if start < 0 {
		start = 0
	}
	window := lines[start:]

	lastCall := -1
	lastResult := -1
	for i, line := range window {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if containsAny(lower, busyIndicators) {
			return true
		}
		if hasSpinner(trimmed) {
			return true
		}
		if toolCallPattern.MatchString(trimmed) {
			lastCall = i
		}
		if strings.HasPrefix(trimmed, ResultMarker) {
			lastResult = i
		}
	}

	// A tool call echoed without a subsequent result is still running.
	return lastCall >= 0 && lastResult < lastCall
}

// awaitsDecision reports whether the trailing window shows a confirmation
// prompt. Only the trailing lines count: an already-answered prompt higher
// up the transcript must not pin the session in AwaitingDecision.
func awaitsDecision(lines []string) bool {
	start := len(lines) - busyWindow
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		if containsAny(strings.ToLower(line), decisionMarkers) {
			return true
		}
	}
	return false
}

// hasSpinner reports whether a line starts with a spinner glyph followed by
// an in-progress verb ("✻ Pondering… (esc to interrupt)").
func hasSpinner(trimmed string) bool {
	runes := []rune(trimmed)
	if len(runes) < 2 {
		return false
	}
	for _, g := range spinnerGlyphs {
		if runes[0] == g && strings.ContainsRune(trimmed, '…') {
			return true
		}
	}
	return false
}

// hasIdlePrompt scans from the bottom for an empty input prompt within the
// last idleWindow non-decorative lines.
func hasIdlePrompt(lines []string) bool {
	seen := 0
	for i := len(lines) - 1; i >= 0 && seen < idleWindow; i-- {
		line := lines[i]
		if IsDecorative(line) {
			continue
		}
		seen++
		if IsEmptyPrompt(line) {
			return true
		}
	}
	return false
}

// IsEmptyPrompt reports whether a line is the input prompt with no content:
// a ">" (or "❯") alone once box-drawing characters and space are stripped.
func IsEmptyPrompt(line string) bool {
	s := stripFrame(line)
	return s == ">" || s == "❯"
}

// IsInputEcho reports whether a line is the prompt followed by typed text,
// i.e. the echo of a submitted request. Numbered menu entries ("❯ 1. Yes")
// share the prompt glyph and do not count.
func IsInputEcho(line string) bool {
	s := stripFrame(line)
	var rest string
	switch {
	case strings.HasPrefix(s, "> "):
		rest = strings.TrimPrefix(s, "> ")
	case strings.HasPrefix(s, "❯ "):
		rest = strings.TrimPrefix(s, "❯ ")
	default:
		return false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return false
	}
	return !menuEntryPattern.MatchString(rest)
}

// IsMenuEntry reports whether a line is a decision-menu option, selected
// or not. Answered menus can linger in scroll-back and are never content.
func IsMenuEntry(line string) bool {
	s := stripFrame(line)
	s = strings.TrimPrefix(s, "❯ ")
	s = strings.TrimPrefix(s, "> ")
	return menuEntryPattern.MatchString(strings.TrimSpace(s))
}

// IsDecorative reports whether a line is chrome around the content:
// a separator rule or a status-bar line (one carrying both a
// percentage/price token and a pipe divider).
func IsDecorative(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if separatorPattern.MatchString(trimmed) {
		return true
	}
	hasPipe := strings.ContainsAny(trimmed, "|│")
	hasToken := strings.ContainsAny(trimmed, "%$")
	return hasPipe && hasToken
}

// DecisionPrompt returns the confirmation question shown in the trailing
// window, scanning bottom-up. ok is false when no prompt is visible.
func DecisionPrompt(snapshot string) (string, bool) {
	lines := SplitLines(snapshot)
	start := len(lines) - busyWindow
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		if containsAny(strings.ToLower(lines[i]), decisionMarkers) {
			return strings.TrimSpace(lines[i]), true
		}
	}
	return "", false
}

// IsFirstRunPrompt reports whether the snapshot shows a one-time trust or
// configuration prompt that spawn should answer automatically.
func IsFirstRunPrompt(snapshot string) bool {
	return containsAny(strings.ToLower(snapshot), firstRunMarkers)
}

// ToolCall extracts the name and args from a tool invocation line.
// The second result is false for narrative or non-matching lines.
func ToolCall(line string) (name, args string, ok bool) {
	m := toolCallPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// SplitLines splits a snapshot into lines with trailing whitespace and
// trailing empty lines removed.
func SplitLines(snapshot string) []string {
	raw := strings.Split(snapshot, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, " \t\r"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// stripFrame removes box-drawing border characters and surrounding space.
func stripFrame(line string) string {
	return strings.Trim(line, " \t│╭╰╮╯┃║")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
