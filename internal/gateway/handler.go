// Package gateway exposes the dispatch loop over HTTP and websockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/orchestrator"
)

// Handler serves the chat endpoints
type Handler struct {
	runner Runner
	logger zerolog.Logger
}

// NewHandler creates a chat handler backed by runner
func NewHandler(runner Runner, logger zerolog.Logger) *Handler {
	return &Handler{
		runner: runner,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Register mounts the chat routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.ServeRoot)
	mux.HandleFunc("/ws", h.HandleChatWS)
}

// ServeRoot answers GET / with a greeting and POST / with a chat reply
func (h *Handler) ServeRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, HelloResponse{Message: "Hello, World!"})
	case http.MethodPost:
		h.handleChat(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	logger, correlationID := observability.WithCorrelationID(h.logger, strings.TrimSpace(r.Header.Get("X-Correlation-ID")))
	w.Header().Set("X-Correlation-ID", correlationID)

	metrics := observability.NewRequestMetrics("http")
	metrics.RecordRequestStart()

	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		metrics.RecordRequestEnd(false)
		metrics.RecordError("bad_request", "gateway")
		logger.Warn().Err(err).Msg("Failed to decode chat request")

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}

	req.SessionID = sessionID(req.SessionID, r.Header.Get("X-Session-ID"))

	ctx := observability.ContextWithLogger(r.Context(), logger)
	resp, status, err := h.chat(ctx, req, metrics)
	metrics.RecordRequestEnd(err == nil)
	if err != nil {
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("X-Session-ID", resp.SessionID)
	writeJSON(w, http.StatusOK, resp)
}

// chat runs one prompt and maps loop errors to HTTP status codes. It is
// shared by the HTTP and websocket transports.
func (h *Handler) chat(ctx context.Context, req ChatRequest, metrics *observability.RequestMetrics) (*ChatResponse, int, error) {
	logger := observability.LoggerFromContext(ctx)

	if strings.TrimSpace(req.Prompt) == "" {
		metrics.RecordError("empty_prompt", "gateway")
		return nil, http.StatusBadRequest, orchestrator.ErrEmptyPrompt
	}

	result, err := h.runner.Run(ctx, orchestrator.RunRequest{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Language:  req.Language,
		Metrics:   metrics,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyPrompt) {
			return nil, http.StatusBadRequest, err
		}
		metrics.RecordError("loop_failed", "gateway")
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			logger.Info().Str("session_id", req.SessionID).Msg("Client went away before the answer was ready")
		} else {
			logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Dispatch loop failed")
		}
		return nil, http.StatusBadGateway, errors.New("failed to get a response from the assistant")
	}

	return &ChatResponse{
		Message:   result.Message,
		ToolData:  result.ToolData,
		SessionID: result.SessionID,
	}, http.StatusOK, nil
}

// sessionID picks the body value, then the header, then the default slot
func sessionID(body, header string) string {
	if id := strings.TrimSpace(body); id != "" {
		return id
	}
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	return DefaultSessionID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already sent; a failed body write has no recovery.
	_ = json.NewEncoder(w).Encode(v)
}
