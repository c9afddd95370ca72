// Package llm is a chat completions client for Azure OpenAI and OpenAI with
// tool calling support.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lexiqai/finance-gateway/internal/config"
	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/resilience"
)

// ErrEmptyResponse is returned when the API answers without any choice
var ErrEmptyResponse = errors.New("model returned no choices")

// Config configures a Client
type Config struct {
	Provider        string // config.ProviderAzure or config.ProviderOpenAI
	AzureEndpoint   string
	AzureAPIKey     string
	AzureAPIVersion string
	AzureDeployment string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	Model           string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration

	Retry     *resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// ConfigFromService maps service configuration onto a client config
func ConfigFromService(cfg *config.Config) Config {
	return Config{
		Provider:        cfg.LLMProvider,
		AzureEndpoint:   cfg.AzureEndpoint,
		AzureAPIKey:     cfg.AzureAPIKey,
		AzureAPIVersion: cfg.AzureAPIVersion,
		AzureDeployment: cfg.AzureDeployment,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		Model:           cfg.Model,
		Temperature:     cfg.LLMTemperature,
		MaxTokens:       cfg.LLMMaxTokens,
		Timeout:         cfg.LLMTimeout,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryInitialBackoff,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Breaker: resilience.NewCircuitBreaker("llm", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout),
	}
}

// Client calls the chat completions endpoint
type Client struct {
	endpoint    string
	headers     http.Header
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	retry       *resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	logger      zerolog.Logger
}

// NewClient creates a model client for the configured provider
func NewClient(cfg Config) (*Client, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	var endpoint, model string
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderAzure:
		if cfg.AzureEndpoint == "" || cfg.AzureDeployment == "" || cfg.AzureAPIKey == "" {
			return nil, fmt.Errorf("azure provider needs endpoint, deployment and API key")
		}
		endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(cfg.AzureEndpoint, "/"),
			url.PathEscape(cfg.AzureDeployment),
			url.QueryEscape(cfg.AzureAPIVersion))
		headers.Set("api-key", cfg.AzureAPIKey)
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider needs an API key")
		}
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		endpoint = strings.TrimRight(base, "/") + "/chat/completions"
		headers.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
		model = cfg.Model
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("llm", 5, 30*time.Second)
	}

	logger := cfg.Logger.With().Str("component", "llm").Str("provider", strings.ToLower(cfg.Provider)).Logger()
	cfg.Breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to), to.String())
		logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Model circuit breaker changed state")
	})

	return &Client{
		endpoint:    endpoint,
		headers:     headers,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: observability.InstrumentTransport(cfg.Transport),
		},
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
		logger:  logger,
	}, nil
}

// Complete asks the model for its next action. Transport failures, 429 and
// 5xx answers are retried with backoff; other API errors are returned as *APIError.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "llm.complete",
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
		attribute.Bool("llm.tools_disabled", req.DisableTools),
	)
	defer span.End()

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *Response
	start := time.Now()
	err = c.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			r, err := c.send(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, c.retry, resilience.IsRetryableNetworkError)
	}, countsAsFailure)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Model request failed")
		return nil, err
	}

	observability.RecordModelTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.String("llm.finish_reason", resp.FinishReason),
	)
	c.logger.Debug().
		Int("tool_calls", len(resp.ToolCalls)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", resp.FinishReason).
		Dur("duration", time.Since(start)).
		Msg("Model request completed")
	return resp, nil
}

// Healthy reports whether the model circuit admits requests
func (c *Client) Healthy(context.Context) (bool, error) {
	if err := c.breaker.Health(); err != nil {
		return false, err
	}
	return true, nil
}

// countsAsFailure keeps caller cancellations and request errors (4xx other
// than 429) from tripping the breaker
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

func (c *Client) buildRequest(req Request) wireRequest {
	out := wireRequest{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: args},
			})
		}
		out.Messages = append(out.Messages, wm)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
		if req.DisableTools {
			out.ToolChoice = "none"
		}
	}
	return out
}

func (c *Client) send(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = c.headers.Clone()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewRetryableError(fmt.Errorf("model request failed: %w", err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read model response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Message: errorMessage(data)}
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(apiErr)
		}
		return nil, apiErr
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := wire.Choices[0]
	resp := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        toolCallID(tc.ID),
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func toolCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// rawArguments keeps arguments that are not valid JSON as a JSON string so
// they still round-trip and fail argument decoding downstream
func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

func errorMessage(body []byte) string {
	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error.Message != "" {
		return we.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
