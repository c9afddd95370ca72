package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lexiqai/finance-gateway/internal/llm"
	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

// State is a dispatch loop state
type State string

const (
	StateAwaitingModel State = "AWAITING_MODEL"
	StateExecutingTool State = "EXECUTING_TOOL"
	StateDone          State = "DONE"
)

var (
	// ErrEmptyPrompt is returned for blank prompts before any state changes
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrModelFailed wraps a model call that failed after its own retries
	ErrModelFailed = errors.New("model call failed")
)

// Model picks the next action for a conversation
type Model interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Dispatcher runs tools by name
type Dispatcher interface {
	Specs() []tools.Spec
	Lookup(name string) (tools.Spec, bool)
	Dispatch(ctx context.Context, name string, args json.RawMessage) tools.Result
}

// Config controls the dispatch loop
type Config struct {
	SystemPrompt      string
	DefaultLanguage   string
	MaxToolRounds     int
	MaxHistoryTurns   int
	LoopTimeout       time.Duration
	SideChannelPolicy string // config.PolicySuppressFolded or config.PolicyForwardAll
}

// RunRequest is one user prompt for one session
type RunRequest struct {
	SessionID string
	Prompt    string
	Language  string // optional; stored on the conversation when set

	Metrics *observability.RequestMetrics // optional per-request tracker
}

// RunResult is the outcome of a completed loop
type RunResult struct {
	SessionID string
	Message   string
	// ToolData is the JSON encoding of the last tool result of this run, or
	// nil when no tool ran or the side-channel policy suppressed it
	ToolData *string
	// LastResult is the last tool result regardless of policy
	LastResult *tools.Result

	Rounds          int
	BudgetExhausted bool
	Transitions     []State
}
