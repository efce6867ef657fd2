// Package gateway adapts the chat-platform collaborator to the session
// core. It is both sink and source: inbound WebSocket commands become
// registry calls, and scheduler deliveries are chunked, recorded, and
// broadcast to every connected client.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"claude-relay/internal/extract"
	"claude-relay/internal/protocol"
	"claude-relay/internal/registry"
	"claude-relay/internal/scheduler"
	"claude-relay/internal/workspace"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultChunkLimit  = 4000
	defaultHistorySize = 50
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Transcriber converts voice audio to text. The real implementation lives
// with the chat-platform collaborator; the default refuses.
type Transcriber func(ctx context.Context, audio []byte) (string, error)

// Server manages WebSocket connections and routes traffic between
// clients, the registry, and the scheduler's delivery stream.
type Server struct {
	reg        *registry.Registry
	deliveries <-chan scheduler.Delivery
	resolver   *workspace.Resolver
	transcribe Transcriber
	chunkLimit int

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// history keeps recent outbound messages per conversation so a
	// client that connects late still sees the answers already sent.
	history   map[string]*History
	historyMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a gateway server. transcribe may be nil, in which case audio
// commands fail with TRANSCRIBE_FAILED.
func New(reg *registry.Registry, deliveries <-chan scheduler.Delivery, resolver *workspace.Resolver, transcribe Transcriber, chunkLimit int) *Server {
	if chunkLimit <= 0 {
		chunkLimit = defaultChunkLimit
	}
	if transcribe == nil {
		transcribe = func(context.Context, []byte) (string, error) {
			return "", context.Canceled
		}
	}
	return &Server{
		reg:        reg,
		deliveries: deliveries,
		resolver:   resolver,
		transcribe: transcribe,
		chunkLimit: chunkLimit,
		clients:    make(map[*client]bool),
		history:    make(map[string]*History),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run consumes scheduler deliveries until Shutdown. Chunk order within a
// response is preserved because each client's send channel is appended to
// in sequence.
func (s *Server) Run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.deliveries:
			s.dispatch(d)
		}
	}
}

// Shutdown stops the delivery pump.
func (s *Server) Shutdown() {
	close(s.stop)
	<-s.done
}

// dispatch turns one Delivery into outbound protocol messages.
func (s *Server) dispatch(d scheduler.Delivery) {
	switch d.Kind {
	case scheduler.KindDecision:
		msg, err := protocol.NewMessage(protocol.TypeDecisionRequest, protocol.DecisionRequestPayload{
			ConversationID: d.ConversationID,
			RequestID:      d.RequestID,
			Prompt:         d.Text,
		})
		if err != nil {
			return
		}
		s.record(d.ConversationID, msg)
		s.broadcast(msg)

	case scheduler.KindResponse:
		chunks := extract.Chunk(d.Text, s.chunkLimit)
		for i, chunk := range chunks {
			msg, err := protocol.NewMessage(protocol.TypeResponse, protocol.ResponsePayload{
				ConversationID: d.ConversationID,
				RequestID:      d.RequestID,
				Seq:            i,
				Final:          i == len(chunks)-1,
				Text:           chunk,
			})
			if err != nil {
				continue
			}
			s.record(d.ConversationID, msg)
			s.broadcast(msg)
		}
	}
}

// record appends an outbound message to the conversation's history.
func (s *Server) record(conversationID string, msg *protocol.Message) {
	s.historyMu.Lock()
	h, ok := s.history[conversationID]
	if !ok {
		h = NewHistory(defaultHistorySize)
		s.history[conversationID] = h
	}
	s.historyMu.Unlock()
	h.Append(msg)
}

// dropHistory forgets a terminated conversation.
func (s *Server) dropHistory(conversationID string) {
	s.historyMu.Lock()
	delete(s.history, conversationID)
	s.historyMu.Unlock()
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Bring the new client up to date: current sessions, then the recent
	// outbound traffic it missed.
	s.sendSessionList(c)
	s.replayHistory(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, info := range s.reg.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
			ConversationID: info.ID,
			WorkDir:        info.WorkDir,
			Mode:           info.Mode,
			CreatedAt:      info.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		data, _ := json.Marshal(msg)
		c.trySend(data)
	}
}

// replayHistory sends recent outbound messages to a new client.
func (s *Server) replayHistory(c *client) {
	s.historyMu.Lock()
	histories := make([]*History, 0, len(s.history))
	for _, h := range s.history {
		histories = append(histories, h)
	}
	s.historyMu.Unlock()

	for _, h := range histories {
		for _, msg := range h.All() {
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.trySend(data)
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeConversationMessage:
		var payload protocol.ConversationMessagePayload
		json.Unmarshal(msg.Payload, &payload)
		// Spawn can block for the readiness window; never stall the
		// read pump behind it.
		go s.startOrContinue(c, payload)

	case protocol.TypeConversationAudio:
		var payload protocol.ConversationAudioPayload
		json.Unmarshal(msg.Payload, &payload)
		go s.handleAudio(c, payload)

	case protocol.TypeConversationDecide:
		var payload protocol.ConversationDecidePayload
		json.Unmarshal(msg.Payload, &payload)
		if err := s.reg.Decide(payload.ConversationID, payload.Accept); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		}

	case protocol.TypeConversationTerminate:
		var payload protocol.ConversationTerminatePayload
		json.Unmarshal(msg.Payload, &payload)
		s.terminate(c, payload.ConversationID)
	}
}

// startOrContinue routes a text command into the registry and reports the
// outcome. A failed spawn is the one failure surfaced synchronously to
// the caller.
func (s *Server) startOrContinue(c *client, payload protocol.ConversationMessagePayload) {
	workDir, err := s.resolver.Resolve(payload.ConversationID, payload.WorkDir)
	if err != nil {
		s.sendError(c, protocol.ErrNoWorkspace, err.Error())
		return
	}

	sess, superseded, err := s.reg.StartOrContinue(
		payload.ConversationID, workDir, payload.Text, registry.ParseMode(payload.Mode))
	if err != nil {
		s.sendError(c, protocol.ErrSpawnFailed, err.Error())
		return
	}

	if superseded != nil {
		s.notifySuperseded(payload.ConversationID, superseded)
	}
	s.broadcastSessionUpdate(sess)
}

// handleAudio transcribes a voice command and routes the text.
func (s *Server) handleAudio(c *client, payload protocol.ConversationAudioPayload) {
	audio, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "audio data is not valid base64")
		return
	}

	text, err := s.transcribe(context.Background(), audio)
	if err != nil {
		s.sendError(c, protocol.ErrTranscribeFailed, "transcription failed")
		return
	}

	s.startOrContinue(c, protocol.ConversationMessagePayload{
		ConversationID: payload.ConversationID,
		WorkDir:        payload.WorkDir,
		Mode:           payload.Mode,
		Text:           text,
	})
}

// terminate ends a session and announces it.
func (s *Server) terminate(c *client, conversationID string) {
	if !s.reg.Terminate(conversationID) {
		s.sendError(c, protocol.ErrSessionNotFound, "no session for conversation "+conversationID)
		return
	}
	s.dropHistory(conversationID)

	msg, err := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		ConversationID: conversationID,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// notifySuperseded tells clients a request was displaced before its reply
// arrived, so its sender is not left waiting for a reply that will never
// come.
func (s *Server) notifySuperseded(conversationID string, old *registry.Request) {
	msg, err := protocol.NewMessage(protocol.TypeNotice, protocol.NoticePayload{
		ConversationID: conversationID,
		Code:           protocol.NoticeSuperseded,
		Message:        "a newer command replaced this request before it was answered",
		RequestID:      old.ID,
	})
	if err != nil {
		return
	}
	s.record(conversationID, msg)
	s.broadcast(msg)
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(sess *registry.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
		ConversationID: sess.ID,
		WorkDir:        sess.WorkDir,
		Mode:           string(sess.Mode()),
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.trySend(data)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.trySend(data)
}
