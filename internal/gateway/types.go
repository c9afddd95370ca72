package gateway

import (
	"context"

	"github.com/lexiqai/finance-gateway/internal/orchestrator"
)

// DefaultSessionID is used when a POST names no session
const DefaultSessionID = "default"

// maxBodyBytes caps request bodies and websocket frames
const maxBodyBytes = 64 << 10

// Runner runs one prompt through the dispatch loop
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
}

// ChatRequest is the body of POST / and of each websocket frame
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	Language  string `json:"language,omitempty"`
}

// ChatResponse is the answer to one prompt. ToolData is the encoded last
// tool result, or null.
type ChatResponse struct {
	Message   string  `json:"message"`
	ToolData  *string `json:"tool_data"`
	SessionID string  `json:"session_id"`
}

// ErrorResponse is returned for rejected or failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}

// HelloResponse is the body of GET /
type HelloResponse struct {
	Message string `json:"message"`
}
