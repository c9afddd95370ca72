// Package present is the terminal side of the chat: it posts prompts to the
// gateway and renders replies as text, charts and tables.
package present

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrServerStatus means the gateway answered with a non-200 status
	ErrServerStatus = errors.New("server returned an error status")
	// ErrMalformedReply means the body was not a JSON chat reply
	ErrMalformedReply = errors.New("malformed server response")
	// ErrUnreachable means the request never got an answer
	ErrUnreachable = errors.New("server unreachable")
)

// Reply is one answer from the gateway
type Reply struct {
	Message   string  `json:"message"`
	ToolData  *string `json:"tool_data"`
	SessionID string  `json:"session_id"`
}

// Options configures a Client
type Options struct {
	BaseURL   string
	SessionID string
	Language  string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client sends prompts to the gateway
type Client struct {
	baseURL    string
	sessionID  string
	language   string
	httpClient *http.Client
}

// NewClient creates a gateway client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		sessionID: opts.SessionID,
		language:  opts.Language,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
	}
}

// SessionID returns the session the client talks on. It is learned from the
// first reply when none was configured.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Send posts one prompt and reads the whole reply before parsing it
func (c *Client) Send(ctx context.Context, prompt string) (*Reply, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":     prompt,
		"session_id": c.sessionID,
		"language":   c.language,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrServerStatus, resp.StatusCode)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if reply.SessionID != "" && c.sessionID == "" {
		c.sessionID = reply.SessionID
	}
	return &reply, nil
}

// Ping checks that the gateway answers GET /
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrServerStatus, resp.StatusCode)
	}
	var hello struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// Notice turns a Send error into the line shown to the user
func Notice(err error) string {
	switch {
	case errors.Is(err, ErrServerStatus):
		return "Failed to get response from server."
	case errors.Is(err, ErrMalformedReply):
		return "Failed to parse server response as JSON."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	default:
		return "Could not reach the server. Is it running?"
	}
}
