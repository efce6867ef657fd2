package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeResponse          = "conversation.response"
	TypeDecisionRequest   = "conversation.decision"
	TypeNotice            = "conversation.notice"
	TypeSessionUpdate     = "session.update"
	TypeSessionTerminated = "session.terminated"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeConversationMessage   = "conversation.message"
	TypeConversationAudio     = "conversation.audio"
	TypeConversationDecide    = "conversation.decide"
	TypeConversationTerminate = "conversation.terminate"
)

// Error codes.
const (
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrSpawnFailed      = "SPAWN_FAILED"
	ErrTranscribeFailed = "TRANSCRIBE_FAILED"
	ErrNoWorkspace      = "NO_WORKSPACE"
)

// Notice codes.
const (
	NoticeSuperseded = "SUPERSEDED"
)

// Server → Client payloads.

// ResponsePayload carries one chunk of a formatted answer. Chunks of the
// same request share RequestID and arrive in Seq order; Final marks the
// last one.
type ResponsePayload struct {
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId"`
	Seq            int    `json:"seq"`
	Final          bool   `json:"final"`
	Text           string `json:"text"`
}

// DecisionRequestPayload tells the client a session is blocked on a
// yes/no confirmation.
type DecisionRequestPayload struct {
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId"`
	Prompt         string `json:"prompt"`
}

// NoticePayload is an out-of-band notice about a conversation, such as a
// request displaced before its reply arrived.
type NoticePayload struct {
	ConversationID string `json:"conversationId"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequestID      string `json:"requestId,omitempty"`
}

// SessionUpdatePayload mirrors the registry's view of a session.
type SessionUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	WorkDir        string `json:"workDir"`
	Mode           string `json:"mode"`
	CreatedAt      string `json:"createdAt"`
}

// SessionTerminatedPayload announces a session's removal.
type SessionTerminatedPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload reports a failed command.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// ConversationMessagePayload is a user command routed to a session.
// WorkDir is an optional hint overriding the workspace mapping; Mode is
// one of normal, auto, dangerous (empty means normal).
type ConversationMessagePayload struct {
	ConversationID string `json:"conversationId"`
	WorkDir        string `json:"workDir,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Text           string `json:"text"`
}

// ConversationAudioPayload is a voice command; Data is base64-encoded
// audio handed to the transcription collaborator.
type ConversationAudioPayload struct {
	ConversationID string `json:"conversationId"`
	WorkDir        string `json:"workDir,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Data           string `json:"data"`
}

// ConversationDecidePayload answers a pending yes/no confirmation.
type ConversationDecidePayload struct {
	ConversationID string `json:"conversationId"`
	Accept         bool   `json:"accept"`
}

// ConversationTerminatePayload ends a session.
type ConversationTerminatePayload struct {
	ConversationID string `json:"conversationId"`
}
