// Package orchestrator runs the tool dispatch loop: ask the model for its next
// action, run any requested tools, feed the results back, and stop when the
// model answers in text.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lexiqai/finance-gateway/internal/config"
	"github.com/lexiqai/finance-gateway/internal/conversation"
	"github.com/lexiqai/finance-gateway/internal/llm"
	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

// fallbackAnswer is used when the model returns no text after the tool budget is spent
const fallbackAnswer = "I couldn't complete that request with the data available. Please try rephrasing your question."

// unknownTool names calls the model sent without a tool name
const unknownTool = "unknown"

// Orchestrator drives conversations through the model and the tools
type Orchestrator struct {
	model Model
	tools Dispatcher
	store conversation.Store
	cfg   Config
	locks *sessionLocks
	now   func() time.Time
}

// New creates an orchestrator
func New(model Model, dispatcher Dispatcher, store conversation.Store, cfg Config) *Orchestrator {
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 5
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "English"
	}
	if cfg.SideChannelPolicy == "" {
		cfg.SideChannelPolicy = config.PolicySuppressFolded
	}
	return &Orchestrator{
		model: model,
		tools: dispatcher,
		store: store,
		cfg:   cfg,
		locks: newSessionLocks(),
		now:   time.Now,
	}
}

// Run appends the prompt to the session and loops until the model answers.
// Runs on the same session are serialised.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	if o.cfg.LoopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.LoopTimeout)
		defer cancel()
	}

	logger := observability.LoggerFromContext(ctx).With().Str("session_id", req.SessionID).Logger()
	ctx = observability.ContextWithLogger(ctx, logger)

	ctx, span := observability.StartSpan(ctx, "orchestrator.run", attribute.String("session.id", req.SessionID))
	defer span.End()

	release, err := o.locks.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("waiting for session %s: %w", req.SessionID, err)
	}
	defer release()

	result, err := o.run(ctx, logger, req.SessionID, prompt, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("dispatch.rounds", result.Rounds),
		attribute.Bool("dispatch.budget_exhausted", result.BudgetExhausted),
	)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, logger zerolog.Logger, sessionID, prompt string, req RunRequest) (*RunResult, error) {
	if req.Language != "" {
		if err := o.store.SetConfig(ctx, sessionID, conversation.ConfigLanguage, req.Language); err != nil {
			return nil, fmt.Errorf("failed to store language: %w", err)
		}
	}

	conv, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.commit(ctx, conv, o.turn(conversation.Turn{Role: conversation.RoleUser, Content: prompt})); err != nil {
		return nil, err
	}

	language := conv.Get(conversation.ConfigLanguage)
	if language == "" {
		language = o.cfg.DefaultLanguage
	}
	defs := toolDefinitions(o.tools.Specs())

	result := &RunResult{
		SessionID:   sessionID,
		Transitions: []State{StateAwaitingModel},
	}
	var last *tools.Result

	for {
		disable := result.Rounds >= o.cfg.MaxToolRounds

		if req.Metrics != nil {
			req.Metrics.RecordModelStart()
		}
		resp, err := o.model.Complete(ctx, llm.Request{
			Messages:     o.messages(conv, language),
			Tools:        defs,
			DisableTools: disable,
		})
		if req.Metrics != nil {
			req.Metrics.RecordModelEnd(err == nil)
		}
		if err != nil {
			observability.RecordError("model_call", "orchestrator")
			return nil, fmt.Errorf("%w: %w", ErrModelFailed, err)
		}

		if len(resp.ToolCalls) == 0 || disable {
			text := resp.Content
			if disable {
				result.BudgetExhausted = true
				if len(resp.ToolCalls) > 0 {
					logger.Warn().Int("tool_calls", len(resp.ToolCalls)).Msg("Ignoring tool calls after tool budget was spent")
				}
				if strings.TrimSpace(text) == "" {
					text = fallbackAnswer
				}
			}

			if err := o.commit(ctx, conv, o.turn(conversation.Turn{Role: conversation.RoleAssistant, Content: text})); err != nil {
				return nil, err
			}
			result.Message = text
			result.Transitions = append(result.Transitions, StateDone)
			break
		}

		result.Transitions = append(result.Transitions, StateExecutingTool)
		result.Rounds++

		batch := make([]conversation.Turn, 0, len(resp.ToolCalls)+1)
		calls := normalizeCalls(resp.ToolCalls)
		batch = append(batch, o.turn(conversation.Turn{
			Role:      conversation.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		}))

		// Tools run one at a time, in the order the model asked for them
		for _, c := range calls {
			res := o.tools.Dispatch(ctx, c.Name, c.Arguments)
			encoded, err := res.Encode()
			if err != nil {
				res = tools.ErrorResult(c.Name, err)
				encoded, _ = res.Encode()
			}
			logger.Info().
				Str("tool", c.Name).
				Str("call_id", c.ID).
				Str("kind", string(res.Kind)).
				Int("round", result.Rounds).
				Msg("Tool call dispatched")

			batch = append(batch, o.turn(conversation.Turn{
				Role:       conversation.RoleTool,
				Content:    encoded,
				ToolName:   c.Name,
				ToolCallID: c.ID,
			}))
			r := res
			last = &r
		}

		// The call and all of its results are stored together
		if err := o.commit(ctx, conv, batch...); err != nil {
			return nil, err
		}
		result.Transitions = append(result.Transitions, StateAwaitingModel)
	}

	observability.RecordDispatchRounds(result.Rounds, result.BudgetExhausted)
	if err := o.sideChannel(result, last); err != nil {
		return nil, err
	}

	logger.Info().
		Int("rounds", result.Rounds).
		Bool("budget_exhausted", result.BudgetExhausted).
		Bool("tool_data", result.ToolData != nil).
		Msg("Dispatch loop completed")
	return result, nil
}

// sideChannel fills ToolData from the last result according to the policy
func (o *Orchestrator) sideChannel(result *RunResult, last *tools.Result) error {
	result.LastResult = last
	if last == nil {
		return nil
	}
	if o.cfg.SideChannelPolicy == config.PolicySuppressFolded {
		if spec, ok := o.tools.Lookup(last.Tool); ok && spec.FoldedIntoAnswer {
			return nil
		}
	}

	encoded, err := last.Encode()
	if err != nil {
		return err
	}
	result.ToolData = &encoded
	return nil
}

// commit appends turns to the local copy and to the store. Both apply the
// same ordering rules, so a turn the store would reject never reaches it.
func (o *Orchestrator) commit(ctx context.Context, conv *conversation.Conversation, turns ...conversation.Turn) error {
	if err := conv.Append(o.now(), turns...); err != nil {
		return err
	}
	if err := o.store.Append(ctx, conv.ID, turns...); err != nil {
		return fmt.Errorf("failed to store turns: %w", err)
	}
	return nil
}

// normalizeCalls makes every call storable: a missing name becomes
// unknownTool and a missing or repeated id gets a fresh one. The registry
// answers such calls with an error marker that goes back to the model.
func normalizeCalls(in []llm.ToolCall) []conversation.ToolCall {
	calls := make([]conversation.ToolCall, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		id := strings.TrimSpace(c.ID)
		if id == "" || seen[id] {
			id = "call_" + uuid.New().String()
		}
		seen[id] = true

		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = unknownTool
		}
		calls = append(calls, conversation.ToolCall{ID: id, Name: name, Arguments: c.Arguments})
	}
	return calls
}

func (o *Orchestrator) turn(t conversation.Turn) conversation.Turn {
	t.ID = uuid.New().String()
	t.CreatedAt = o.now()
	return t
}

// messages builds the model prompt: system prompt then the history window
func (o *Orchestrator) messages(conv *conversation.Conversation, language string) []llm.Message {
	window := conv.Window(o.cfg.MaxHistoryTurns)
	msgs := make([]llm.Message, 0, len(window)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(o.cfg.SystemPrompt, language)})

	for _, t := range window {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case conversation.RoleAssistant:
			m := llm.Message{Role: llm.RoleAssistant, Content: t.Content}
			for _, c := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
			msgs = append(msgs, m)
		case conversation.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
				Name:       t.ToolName,
			})
		}
	}
	return msgs
}

func systemPrompt(base, language string) string {
	return strings.TrimSpace(base) + "\n\n# Language:\n- Always respond in " + language + "."
}

func toolDefinitions(specs []tools.Spec) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	return defs
}
