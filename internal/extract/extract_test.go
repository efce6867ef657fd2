package extract

import (
	"strings"
	"testing"
)

func snapshot(lines ...string) string {
	return strings.Join(lines, "\n")
}

func TestExtract_EditScenario(t *testing.T) {
	snap := snapshot(
		"> fix bug",
		"⏺ Edit(a.ts)",
		"⎿ done",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	want := "✏️ Editing `a.ts`\n  ↳ done"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtract_NoInputEcho(t *testing.T) {
	snap := snapshot(
		"⏺ Hello there.",
		"",
		"│ > │",
	)
	if _, ok := Extract(snap, ""); ok {
		t.Error("expected no content when nothing was submitted")
	}
}

func TestExtract_Idempotent(t *testing.T) {
	snap := snapshot(
		"> summarize",
		"⏺ The summary is short.",
		"",
		"│ > │",
	)

	first, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content on first extraction")
	}
	if _, ok := Extract(snap, first); ok {
		t.Error("second extraction with same previous emission must be suppressed")
	}
}

func TestExtract_NarrativeMarkerStripped(t *testing.T) {
	snap := snapshot(
		"> explain",
		"⏺ This is the answer.",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	if got != "This is the answer." {
		t.Errorf("got %q", got)
	}
}

func TestExtract_ShellResultShortIsFenced(t *testing.T) {
	snap := snapshot(
		"> run tests",
		"⏺ Bash(go test ./...)",
		"⎿ ok  claude-relay  0.3s",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	want := "💻 Running command\n```\nok  claude-relay  0.3s\n```"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtract_ShellResultLongIsSummarized(t *testing.T) {
	long := strings.Repeat("x", shellResultLimit+1)
	snap := snapshot(
		"> run it",
		"⏺ Bash(make)",
		"⎿ "+long,
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	if !strings.Contains(got, "characters of output_") {
		t.Errorf("expected size summary, got %q", got)
	}
	if strings.Contains(got, long) {
		t.Error("long output must not be inlined")
	}
}

func TestExtract_UnknownToolGetsGenericLabel(t *testing.T) {
	snap := snapshot(
		"> go",
		"⏺ NotebookEdit(cells.ipynb)",
		"⎿ updated",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	if !strings.HasPrefix(got, "⚙️ Running NotebookEdit") {
		t.Errorf("got %q", got)
	}
}

func TestExtract_ChromeAndDecorationDiscarded(t *testing.T) {
	snap := snapshot(
		"> hello",
		"Welcome to Claude Code!",
		"────────────────────",
		"⏺ Hi.",
		"  42% context │ $0.03",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	if got != "Hi." {
		t.Errorf("got %q", got)
	}
}

func TestExtract_StaleMenuDoesNotReanchor(t *testing.T) {
	// An answered decision menu lingering in scroll-back must neither move
	// the answer start past the real echo nor leak into the content.
	snap := snapshot(
		"> fix bug",
		"⏺ Edit(a.ts)",
		"❯ 1. Yes",
		"  2. No",
		"⎿ done",
		"",
		"│ > │",
	)
	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	want := "✏️ Editing `a.ts`\n  ↳ done"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtract_UsesLastEchoOnly(t *testing.T) {
	snap := snapshot(
		"> first question",
		"⏺ First answer.",
		"> second question",
		"⏺ Second answer.",
		"",
		"│ > │",
	)

	got, ok := Extract(snap, "")
	if !ok {
		t.Fatal("expected content")
	}
	if got != "Second answer." {
		t.Errorf("got %q", got)
	}
}

func TestExtract_EmptyRegionSuppressed(t *testing.T) {
	snap := snapshot(
		"> just submitted",
		"",
		"│ > │",
	)
	if _, ok := Extract(snap, ""); ok {
		t.Error("expected no content for an empty answer region")
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	text := strings.Repeat("line one\nline two longer\n", 100)
	chunks := Chunk(text, 120)

	if got := strings.Join(chunks, ""); got != text {
		t.Error("concatenated chunks do not reproduce input")
	}
	for i, c := range chunks {
		if len(c) > 120 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(c))
		}
	}
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
}

func TestChunk_PrefersNewlineSplit(t *testing.T) {
	text := strings.Repeat("a", 70) + "\n" + strings.Repeat("b", 70)
	chunks := Chunk(text, 100)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk should end at the newline")
	}
}

func TestChunk_ShortTextSingleChunk(t *testing.T) {
	chunks := Chunk("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("unexpected chunks: %#v", chunks)
	}
}

func TestChunk_NoNewlinePastHalfwayCutsHard(t *testing.T) {
	text := strings.Repeat("a", 250)
	chunks := Chunk(text, 100)

	if got := strings.Join(chunks, ""); got != text {
		t.Error("concatenated chunks do not reproduce input")
	}
	if len(chunks) != 3 {
		t.Errorf("expected 3 chunks, got %d", len(chunks))
	}
}
