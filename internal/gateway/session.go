package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/finance-gateway/internal/observability"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The chat client is not served from this origin
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ChatSession holds the state of one websocket connection
type ChatSession struct {
	conn    *websocket.Conn
	handler *Handler

	// sessionID is used for frames that name no session
	sessionID string

	mu       sync.RWMutex
	isActive bool

	correlationID string
	logger        zerolog.Logger

	frames chan []byte
	done   chan struct{}
}

// NewChatSession creates a session with a fresh conversation id
func NewChatSession(conn *websocket.Conn, h *Handler) *ChatSession {
	sessionID := uuid.New().String()
	logger, correlationID := observability.WithCorrelationID(h.logger, "")
	logger = logger.With().Str("ws_session", sessionID).Logger()

	return &ChatSession{
		conn:          conn,
		handler:       h,
		sessionID:     sessionID,
		isActive:      true,
		correlationID: correlationID,
		logger:        logger,
		frames:        make(chan []byte, 8),
		done:          make(chan struct{}),
	}
}

// HandleChatWS upgrades the connection and answers each prompt frame with
// one reply frame
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	session := NewChatSession(conn, h)
	session.logger.Info().Msg("WebSocket chat session started")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go session.processIncomingMessages(ctx)

	// Closing the socket cancels any prompt still in flight
	go func() {
		<-session.done
		cancel()
	}()

	session.processPrompts(ctx)
	session.logger.Info().Msg("WebSocket chat session ended")
}

// IsActive reports whether the connection is still being read
func (s *ChatSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}

// processIncomingMessages reads frames until the peer goes away
func (s *ChatSession) processIncomingMessages(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.isActive = false
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.logger.Debug().Int("type", msgType).Msg("Ignoring non-text frame")
			continue
		}

		select {
		case s.frames <- message:
		case <-ctx.Done():
			return
		}
	}
}

// processPrompts answers frames in arrival order, one at a time
func (s *ChatSession) processPrompts(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.frames:
			reply := s.handleFrame(ctx, message)
			if ctx.Err() != nil || !s.IsActive() {
				return
			}
			if err := s.write(reply); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write WebSocket reply")
				return
			}
		}
	}
}

func (s *ChatSession) handleFrame(ctx context.Context, message []byte) interface{} {
	metrics := observability.NewRequestMetrics("websocket")
	metrics.RecordRequestStart()

	var req ChatRequest
	if err := json.Unmarshal(message, &req); err != nil {
		metrics.RecordRequestEnd(false)
		metrics.RecordError("bad_request", "gateway")
		s.logger.Warn().Err(err).Msg("Failed to parse chat frame")
		return ErrorResponse{Error: "invalid JSON frame"}
	}
	if req.SessionID == "" {
		req.SessionID = s.sessionID
	}

	ctx = observability.ContextWithLogger(ctx, s.logger)
	resp, _, err := s.handler.chat(ctx, req, metrics)
	metrics.RecordRequestEnd(err == nil)
	if err != nil {
		return ErrorResponse{Error: err.Error()}
	}
	return resp
}

func (s *ChatSession) write(v interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}
