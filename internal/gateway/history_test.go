package gateway

import (
	"encoding/json"
	"fmt"
	"testing"

	"claude-relay/internal/protocol"
)

func responseMsg(t *testing.T, seq int) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeResponse, protocol.ResponsePayload{
		ConversationID: "c1",
		RequestID:      "r1",
		Seq:            seq,
		Text:           fmt.Sprintf("chunk-%d", seq),
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func seqOf(t *testing.T, msg *protocol.Message) int {
	t.Helper()
	var p protocol.ResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p.Seq
}

func TestHistory_EmptyRead(t *testing.T) {
	h := NewHistory(10)
	msgs := h.All()
	if len(msgs) != 0 {
		t.Errorf("expected empty history, got %d messages", len(msgs))
	}
}

func TestHistory_PartialFill(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Append(responseMsg(t, i))
	}

	msgs := h.All()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	for i, m := range msgs {
		if got := seqOf(t, m); got != i {
			t.Errorf("message %d: expected seq %d, got %d", i, i, got)
		}
	}
}

func TestHistory_Overflow(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 8; i++ {
		h.Append(responseMsg(t, i))
	}

	msgs := h.All()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Should hold 3,4,5,6,7 (oldest dropped).
	for i, m := range msgs {
		if got := seqOf(t, m); got != i+3 {
			t.Errorf("message %d: expected seq %d, got %d", i, i+3, got)
		}
	}
}

func TestHistory_ExactCapacity(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 3; i++ {
		h.Append(responseMsg(t, i))
	}

	msgs := h.All()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	for i, m := range msgs {
		if got := seqOf(t, m); got != i {
			t.Errorf("message %d: expected seq %d, got %d", i, i, got)
		}
	}
}
