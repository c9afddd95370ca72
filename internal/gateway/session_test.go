package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/finance-gateway/internal/finnhub"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

func dialWS(t *testing.T, s *stack) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestChatWS_QuoteAndFollowUp(t *testing.T) {
	s := newStack(t,
		toolCall(tools.GetQuote, `{"symbol":"AAPL"}`),
		text("AAPL is at $189.84."),
		text("It is up 0.80% today."),
	)
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(ChatRequest{Prompt: "AAPL price?"}))
	first := readReply(t, conn)

	var sessionID string
	require.NoError(t, json.Unmarshal(first["session_id"], &sessionID))
	_, err := uuid.Parse(sessionID)
	assert.NoError(t, err, "connection gets a fresh session id")

	var message string
	require.NoError(t, json.Unmarshal(first["message"], &message))
	assert.Equal(t, "AAPL is at $189.84.", message)

	var toolData *string
	require.NoError(t, json.Unmarshal(first["tool_data"], &toolData))
	require.NotNil(t, toolData)
	got, err := tools.DecodeResult(*toolData)
	require.NoError(t, err)
	quote, ok := got.Data.(*finnhub.Quote)
	require.True(t, ok)
	assert.Equal(t, 189.84, quote.Current)

	// Follow-up on the same connection continues the conversation
	require.NoError(t, conn.WriteJSON(ChatRequest{Prompt: "And the change?"}))
	second := readReply(t, conn)
	assert.JSONEq(t, `null`, string(second["tool_data"]))
	assert.Equal(t, string(first["session_id"]), string(second["session_id"]))

	sent := s.model.sent()
	require.Len(t, sent, 3)
	// system, user, assistant call, tool, assistant answer, user
	assert.Len(t, sent[2].Messages, 6)

	conv, err := s.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 6)
}

func TestChatWS_ExplicitSessionAndErrors(t *testing.T) {
	s := newStack(t, text("hi there"))
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	reply := readReply(t, conn)
	assert.JSONEq(t, `"invalid JSON frame"`, string(reply["error"]))

	require.NoError(t, conn.WriteJSON(ChatRequest{Prompt: "  "}))
	reply = readReply(t, conn)
	assert.Contains(t, string(reply["error"]), "prompt is empty")

	require.NoError(t, conn.WriteJSON(ChatRequest{Prompt: "hello", SessionID: "ws-named"}))
	reply = readReply(t, conn)
	assert.JSONEq(t, `"ws-named"`, string(reply["session_id"]))
	assert.JSONEq(t, `"hi there"`, string(reply["message"]))
}

func TestChatWS_ModelFailure(t *testing.T) {
	s := newStack(t)
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(ChatRequest{Prompt: "anything"}))
	reply := readReply(t, conn)
	assert.JSONEq(t, `"failed to get a response from the assistant"`, string(reply["error"]))
	_, hasMessage := reply["message"]
	assert.False(t, hasMessage)
}

func TestChatSession_InactiveSessionDropsReply(t *testing.T) {
	s := NewChatSession(nil, NewHandler(nil, zerolog.Nop()))
	assert.True(t, s.IsActive())

	s.mu.Lock()
	s.isActive = false
	s.mu.Unlock()
	s.frames <- []byte(`{"prompt":`)

	// A nil connection panics on write, so returning cleanly means no reply was sent.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		assert.NotPanics(t, func() { s.processPrompts(context.Background()) })
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("processPrompts kept running after the session went inactive")
	}
}
