// Package extract turns an idle screen snapshot into the formatted response
// owed to the caller. Extraction is pure: the same snapshot and previous
// emission always produce the same result, and a snapshot whose cleaned
// content equals the previous emission produces nothing, which is the
// duplicate-suppression guarantee the scheduler relies on.
package extract

import (
	"fmt"
	"strings"

	"claude-relay/internal/classify"
)

// shellResultLimit is the cutoff between rendering command output inline as
// a fenced code block and summarizing it as a character count.
const shellResultLimit = 200

// actionLabels map tool names to the short label shown in place of the raw
// invocation line. Read/Edit/Write keep their argument as an inline code
// reference; the rest drop it.
var actionLabels = map[string]string{
	"Read":      "📖 Reading",
	"Edit":      "✏️ Editing",
	"Write":     "📝 Writing",
	"Bash":      "💻 Running command",
	"Grep":      "🔍 Searching",
	"Glob":      "🔍 Searching",
	"Search":    "🔍 Searching",
	"WebSearch": "🔍 Searching",
	"WebFetch":  "🔍 Searching",
	"Task":      "🤖 Spawning agent",
}

// argTools are the tools whose argument is preserved verbatim.
var argTools = map[string]bool{
	"Read":  true,
	"Edit":  true,
	"Write": true,
}

// chromeMarkers identify banner and housekeeping lines that are never part
// of an answer. Matched case-insensitively.
var chromeMarkers = []string{
	"welcome to claude",
	"auto-update failed",
	"update failed",
	"? for shortcuts",
	"/help for help",
	"share feedback",
	"release notes",
}

// Extract returns the formatted response contained in an idle snapshot, or
// ok=false when the snapshot holds no new content. previousEmission is the
// last response delivered for this session; an identical extraction is
// suppressed.
func Extract(snapshot, previousEmission string) (string, bool) {
	lines := classify.SplitLines(snapshot)

	// The last input echo marks where the current answer starts. Nothing
	// submitted yet means nothing to extract.
	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if classify.IsInputEcho(lines[i]) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	// The first empty prompt after the echo marks where the answer ends.
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if classify.IsEmptyPrompt(lines[i]) {
			end = i
			break
		}
	}

	cleaned := cleanRegion(lines[start+1 : end])

	text := strings.Join(cleaned, "\n")
	text = strings.TrimSpace(text)
	if text == "" || text == previousEmission {
		return "", false
	}
	return text, true
}

// cleanRegion transforms the raw answer lines into their formatted shape.
// Tool-call/result pairing uses a one-slot section: the screen is a linear
// transcript, so at most one result can belong to the last opened call.
func cleanRegion(region []string) []string {
	var out []string
	section := ""

	for _, line := range region {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || classify.IsDecorative(line) {
			continue
		}
		if isChrome(trimmed) {
			continue
		}
		if classify.IsMenuEntry(line) {
			continue
		}

		if name, args, ok := classify.ToolCall(trimmed); ok {
			out = append(out, actionLabel(name, args))
			section = name
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, classify.ResultMarker); ok {
			result := strings.TrimSpace(rest)
			if result != "" {
				out = append(out, formatResult(section, result))
			}
			section = ""
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, classify.ActionMarker); ok {
			if text := strings.TrimSpace(rest); text != "" {
				out = append(out, text)
			}
			continue
		}

		// Continuation of wrapped narrative, kept as-is.
		if s := strings.Trim(trimmed, " │"); s != "" {
			out = append(out, s)
		}
	}

	return out
}

// actionLabel rewrites a tool invocation into its semantic label.
func actionLabel(name, args string) string {
	label, ok := actionLabels[name]
	if !ok {
		return "⚙️ Running " + name
	}
	if argTools[name] && args != "" {
		return fmt.Sprintf("%s `%s`", label, args)
	}
	return label
}

// formatResult renders one result line according to the section it belongs
// to: shell output becomes a fenced block or a size summary, anything else
// an indented pointer line.
func formatResult(section, result string) string {
	if section == "Bash" {
		if len(result) <= shellResultLimit {
			return "```\n" + result + "\n```"
		}
		return fmt.Sprintf("_%d characters of output_", len(result))
	}
	if len(result) > shellResultLimit {
		return fmt.Sprintf("_%d characters of output_", len(result))
	}
	return "  ↳ " + result
}

func isChrome(trimmed string) bool {
	lower := strings.ToLower(trimmed)
	for _, m := range chromeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
