// Package conversation holds the ordered turn history of chat sessions and
// the stores that keep it between requests.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ConfigLanguage is the conversation config key for the answer language
const ConfigLanguage = "language"

// ErrInvalidTurn is returned when an append would break turn ordering rules
var ErrInvalidTurn = errors.New("invalid turn")

// ToolCall is one model-issued request to run a tool
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Turn is one immutable entry in a conversation
type Turn struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Conversation is the ordered history of one session plus its settings
type Conversation struct {
	ID        string            `json:"id"`
	Turns     []Turn            `json:"turns"`
	Config    map[string]string `json:"config,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New creates an empty conversation
func New(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		Config:    make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds turns in order. Either all turns are appended or none.
//
// A tool turn must name its tool and answer exactly one earlier call that has
// no result yet. While calls are unanswered only tool turns may follow.
func (c *Conversation) Append(now time.Time, turns ...Turn) error {
	pending := c.pendingCalls()

	staged := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if err := checkTurn(t, pending); err != nil {
			return fmt.Errorf("%w: turn %d: %v", ErrInvalidTurn, len(c.Turns)+i, err)
		}
		if t.Role == RoleTool {
			delete(pending, t.ToolCallID)
		}
		for _, call := range t.ToolCalls {
			pending[call.ID] = call.Name
		}

		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		staged = append(staged, t)
	}

	c.Turns = append(c.Turns, staged...)
	c.UpdatedAt = now
	return nil
}

func checkTurn(t Turn, pending map[string]string) error {
	switch t.Role {
	case RoleUser:
		if len(pending) > 0 {
			return fmt.Errorf("user turn while %d tool call(s) unanswered", len(pending))
		}
		if len(t.ToolCalls) > 0 || t.ToolCallID != "" {
			return errors.New("user turn cannot carry tool fields")
		}
	case RoleAssistant:
		if len(pending) > 0 {
			return fmt.Errorf("assistant turn while %d tool call(s) unanswered", len(pending))
		}
		seen := make(map[string]bool, len(t.ToolCalls))
		for _, call := range t.ToolCalls {
			if call.ID == "" || call.Name == "" {
				return errors.New("tool call needs an id and a name")
			}
			if seen[call.ID] {
				return fmt.Errorf("duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = true
		}
	case RoleTool:
		if t.ToolName == "" {
			return errors.New("tool turn has no tool name")
		}
		name, ok := pending[t.ToolCallID]
		if !ok {
			return fmt.Errorf("tool turn answers no pending call %q", t.ToolCallID)
		}
		if name != t.ToolName {
			return fmt.Errorf("tool turn names %q but call %q was for %q", t.ToolName, t.ToolCallID, name)
		}
	default:
		return fmt.Errorf("unknown role %q", t.Role)
	}
	return nil
}

// pendingCalls maps unanswered call ids to tool names
func (c *Conversation) pendingCalls() map[string]string {
	pending := make(map[string]string)
	for _, t := range c.Turns {
		for _, call := range t.ToolCalls {
			pending[call.ID] = call.Name
		}
		if t.Role == RoleTool {
			delete(pending, t.ToolCallID)
		}
	}
	return pending
}

// Pending reports whether any tool call is still unanswered
func (c *Conversation) Pending() bool {
	return len(c.pendingCalls()) > 0
}

// Window returns at most limit trailing turns, starting at a user turn so that
// no call is separated from its results. limit <= 0 returns every turn.
func (c *Conversation) Window(limit int) []Turn {
	if limit <= 0 || len(c.Turns) <= limit {
		return c.Turns
	}

	start := len(c.Turns) - limit
	for i := start; i < len(c.Turns); i++ {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i:]
		}
	}
	// No user turn inside the window: fall back to the last one before it
	for i := start - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i:]
		}
	}
	return c.Turns[start:]
}

// Get returns a config value
func (c *Conversation) Get(key string) string {
	return c.Config[key]
}

// Set stores a config value
func (c *Conversation) Set(key, value string, now time.Time) {
	if c.Config == nil {
		c.Config = make(map[string]string)
	}
	c.Config[key] = value
	c.UpdatedAt = now
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	for i, t := range c.Turns {
		if t.ToolCalls != nil {
			t.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
		}
		out.Turns[i] = t
	}
	out.Config = make(map[string]string, len(c.Config))
	for k, v := range c.Config {
		out.Config[k] = v
	}
	return &out
}
