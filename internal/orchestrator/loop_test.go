package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/finance-gateway/internal/config"
	"github.com/lexiqai/finance-gateway/internal/conversation"
	"github.com/lexiqai/finance-gateway/internal/finnhub"
	"github.com/lexiqai/finance-gateway/internal/llm"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

type step func(req llm.Request) (*llm.Response, error)

// scriptedModel answers each Complete call with the next step
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	next := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()
	return next(req)
}

func (m *scriptedModel) calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

func say(text string) step {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: text, FinishReason: "stop"}, nil
	}
}

func callTool(id, name, args string) step {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{
			ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
			FinishReason: "tool_calls",
		}, nil
	}
}

type stubProvider struct{}

func (stubProvider) Quote(_ context.Context, symbol string) (*finnhub.Quote, error) {
	return &finnhub.Quote{Current: 189.84, PreviousClose: 188.34, Timestamp: 1710432000}, nil
}

func (stubProvider) RecommendationTrends(context.Context, string) ([]finnhub.RecommendationTrend, error) {
	return nil, fmt.Errorf("%w: no recommendation trends", finnhub.ErrEmptyResult)
}

func (stubProvider) EarningsHistory(context.Context, string) ([]finnhub.EarningsRecord, error) {
	return nil, fmt.Errorf("%w: boom", finnhub.ErrUpstreamUnavailable)
}

func (stubProvider) CompanyProfile(_ context.Context, symbol string) (*finnhub.CompanyProfile, error) {
	return &finnhub.CompanyProfile{Name: "Tesla Inc", Ticker: symbol}, nil
}

func (stubProvider) NewsSummary(context.Context, string) (*finnhub.NewsSummary, error) {
	return &finnhub.NewsSummary{Summaries: "Deliveries beat estimates.\nNew factory announced."}, nil
}

func testConfig() Config {
	return Config{
		SystemPrompt:      "You are Finance GPT.",
		DefaultLanguage:   "English",
		MaxToolRounds:     3,
		MaxHistoryTurns:   40,
		LoopTimeout:       5 * time.Second,
		SideChannelPolicy: config.PolicySuppressFolded,
	}
}

func newTestOrchestrator(model Model, cfg Config) (*Orchestrator, *conversation.MemoryStore) {
	store := conversation.NewMemoryStore(time.Hour)
	return New(model, tools.NewRegistry(stubProvider{}), store, cfg), store
}

func TestRun_NoToolCall(t *testing.T) {
	model := &scriptedModel{steps: []step{say("Hello! How can I help with your finances?")}}
	o, store := newTestOrchestrator(model, testConfig())

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help with your finances?", result.Message)
	assert.Nil(t, result.ToolData)
	assert.Nil(t, result.LastResult)
	assert.Zero(t, result.Rounds)
	assert.Equal(t, []State{StateAwaitingModel, StateDone}, result.Transitions)

	conv, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, conversation.RoleUser, conv.Turns[0].Role)
	assert.Equal(t, conversation.RoleAssistant, conv.Turns[1].Role)
}

func TestRun_SingleQuoteCall(t *testing.T) {
	model := &scriptedModel{steps: []step{
		callTool("call_1", tools.GetQuote, `{"symbol":"AAPL"}`),
		func(req llm.Request) (*llm.Response, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
				return nil, fmt.Errorf("expected tool result last, got %+v", last)
			}
			return &llm.Response{Content: "AAPL is trading at $189.84."}, nil
		},
	}}
	o, store := newTestOrchestrator(model, testConfig())

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "What's AAPL trading at?"})
	require.NoError(t, err)

	assert.Equal(t, "AAPL is trading at $189.84.", result.Message)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, []State{StateAwaitingModel, StateExecutingTool, StateAwaitingModel, StateDone}, result.Transitions)

	require.NotNil(t, result.ToolData)
	decoded, err := tools.DecodeResult(*result.ToolData)
	require.NoError(t, err)
	direct := tools.NewRegistry(stubProvider{}).Dispatch(context.Background(), tools.GetQuote, json.RawMessage(`{"symbol":"AAPL"}`))
	assert.Equal(t, direct, decoded)

	conv, _ := store.Load(context.Background(), "s1")
	require.Len(t, conv.Turns, 4)
	assert.Equal(t, "call_1", conv.Turns[1].ToolCalls[0].ID)
	assert.Equal(t, tools.GetQuote, conv.Turns[2].ToolName)
	assert.Equal(t, "call_1", conv.Turns[2].ToolCallID)
	assert.Equal(t, *result.ToolData, conv.Turns[2].Content)
}

func TestRun_NewsIsFoldedIntoAnswer(t *testing.T) {
	steps := func() []step {
		return []step{
			callTool("call_1", tools.GetCompanyNewsSummary, `{"symbol":"TSLA"}`),
			say("This week: Deliveries beat estimates. New factory announced."),
		}
	}

	t.Run("suppress folded", func(t *testing.T) {
		o, _ := newTestOrchestrator(&scriptedModel{steps: steps()}, testConfig())
		result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "Any news on TSLA this week?"})
		require.NoError(t, err)

		assert.Nil(t, result.ToolData)
		require.NotNil(t, result.LastResult)
		assert.Equal(t, tools.KindNewsSummary, result.LastResult.Kind)
		assert.Contains(t, result.Message, "Deliveries beat estimates.")
	})

	t.Run("forward all", func(t *testing.T) {
		cfg := testConfig()
		cfg.SideChannelPolicy = config.PolicyForwardAll
		o, _ := newTestOrchestrator(&scriptedModel{steps: steps()}, cfg)
		result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "Any news on TSLA this week?"})
		require.NoError(t, err)

		require.NotNil(t, result.ToolData)
		assert.Contains(t, *result.ToolData, `"kind":"news_summary"`)
	})
}

func TestRun_LastResultWins(t *testing.T) {
	model := &scriptedModel{steps: []step{
		callTool("call_1", tools.GetCompanyNewsSummary, `{"symbol":"TSLA"}`),
		callTool("call_2", tools.GetCompanyProfile, `{"symbol":"TSLA"}`),
		say("Tesla Inc. had a busy week."),
	}}
	o, _ := newTestOrchestrator(model, testConfig())

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "Tell me about TSLA"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Rounds)
	require.NotNil(t, result.ToolData)
	assert.Contains(t, *result.ToolData, `"kind":"company_profile"`)
}

func TestRun_ToolErrorsGoBackToModel(t *testing.T) {
	model := &scriptedModel{steps: []step{
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: tools.GetEarningsHistory, Arguments: json.RawMessage(`{"symbol":"AAPL"}`)},
				{ID: "call_2", Name: "getWeather", Arguments: json.RawMessage(`{"city":"Paris"}`)},
			}}, nil
		},
		func(req llm.Request) (*llm.Response, error) {
			n := len(req.Messages)
			if !strings.Contains(req.Messages[n-2].Content, `"kind":"error"`) ||
				!strings.Contains(req.Messages[n-1].Content, "unknown tool") {
				return nil, errors.New("expected error markers in tool results")
			}
			return &llm.Response{Content: "Sorry, I couldn't fetch that data right now."}, nil
		},
	}}
	o, _ := newTestOrchestrator(model, testConfig())

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "AAPL earnings?"})
	require.NoError(t, err)

	assert.Equal(t, "Sorry, I couldn't fetch that data right now.", result.Message)
	require.NotNil(t, result.LastResult)
	assert.True(t, result.LastResult.IsError())
	require.NotNil(t, result.ToolData)
	assert.Contains(t, *result.ToolData, `"kind":"error"`)
}

func TestRun_MalformedToolCallsAreAnsweredWithErrors(t *testing.T) {
	model := &scriptedModel{steps: []step{
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "", Arguments: json.RawMessage(`{"symbol":"AAPL"}`)},
				{ID: "call_1", Name: tools.GetQuote, Arguments: json.RawMessage(`{"symbol":"AAPL"}`)},
				{ID: "", Name: tools.GetQuote, Arguments: json.RawMessage(`{"symbol":"MSFT"}`)},
			}}, nil
		},
		say("Apple is at $189.84."),
	}}
	o, store := newTestOrchestrator(model, testConfig())

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "AAPL price?"})
	require.NoError(t, err)
	assert.Equal(t, "Apple is at $189.84.", result.Message)

	conv, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 6)
	assert.False(t, conv.Pending())

	calls := conv.Turns[1].ToolCalls
	require.Len(t, calls, 3)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, unknownTool, calls[0].Name)
	assert.NotEqual(t, "call_1", calls[1].ID)
	assert.True(t, strings.HasPrefix(calls[1].ID, "call_"))
	assert.NotEmpty(t, calls[2].ID)
	assert.NotEqual(t, calls[1].ID, calls[2].ID)

	// Each call is answered by its own result, the nameless one with an error
	for i, c := range calls {
		res := conv.Turns[2+i]
		assert.Equal(t, c.ID, res.ToolCallID)
		assert.Equal(t, c.Name, res.ToolName)
	}
	assert.Contains(t, conv.Turns[2].Content, `unknown tool \"unknown\"`)
	assert.Contains(t, conv.Turns[3].Content, `"kind":"quote"`)

	sent := model.calls()
	require.Len(t, sent, 2)
	assert.Equal(t, llm.RoleTool, sent[1].Messages[len(sent[1].Messages)-1].Role)
}

func TestRun_ToolBudget(t *testing.T) {
	always := callTool("call_x", tools.GetQuote, `{"symbol":"AAPL"}`)
	model := &scriptedModel{steps: []step{
		callTool("call_1", tools.GetQuote, `{"symbol":"AAPL"}`),
		callTool("call_2", tools.GetQuote, `{"symbol":"AAPL"}`),
		func(req llm.Request) (*llm.Response, error) {
			if !req.DisableTools {
				return nil, errors.New("expected tools to be disabled")
			}
			return always(req)
		},
	}}
	cfg := testConfig()
	cfg.MaxToolRounds = 2
	o, store := newTestOrchestrator(model, cfg)

	result, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "AAPL?"})
	require.NoError(t, err)

	assert.True(t, result.BudgetExhausted)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, fallbackAnswer, result.Message)
	assert.Len(t, model.calls(), 3)
	assert.Equal(t, StateDone, result.Transitions[len(result.Transitions)-1])

	conv, _ := store.Load(context.Background(), "s1")
	assert.False(t, conv.Pending(), "ignored calls must not leave unanswered turns")
}

func TestRun_ModelFailure(t *testing.T) {
	model := &scriptedModel{steps: []step{
		func(llm.Request) (*llm.Response, error) { return nil, errors.New("503 from upstream") },
	}}
	o, store := newTestOrchestrator(model, testConfig())

	_, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "hi"})
	assert.ErrorIs(t, err, ErrModelFailed)

	conv, _ := store.Load(context.Background(), "s1")
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, conversation.RoleUser, conv.Turns[0].Role)
}

func TestRun_EmptyPrompt(t *testing.T) {
	model := &scriptedModel{}
	o, store := newTestOrchestrator(model, testConfig())

	_, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, model.calls())
	assert.Zero(t, store.Len())
}

func TestRun_Language(t *testing.T) {
	model := &scriptedModel{steps: []step{say("uno"), say("dos"), say("one")}}
	o, _ := newTestOrchestrator(model, testConfig())
	ctx := context.Background()

	_, err := o.Run(ctx, RunRequest{SessionID: "s1", Prompt: "hola", Language: "Spanish"})
	require.NoError(t, err)
	_, err = o.Run(ctx, RunRequest{SessionID: "s1", Prompt: "otra vez"})
	require.NoError(t, err)
	_, err = o.Run(ctx, RunRequest{SessionID: "s2", Prompt: "hello"})
	require.NoError(t, err)

	calls := model.calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0].Messages[0].Content, "Always respond in Spanish.")
	assert.Contains(t, calls[1].Messages[0].Content, "Always respond in Spanish.")
	assert.Contains(t, calls[2].Messages[0].Content, "Always respond in English.")
	assert.True(t, strings.HasPrefix(calls[0].Messages[0].Content, "You are Finance GPT."))
}

func TestRun_HistoryAcrossRuns(t *testing.T) {
	model := &scriptedModel{steps: []step{say("a1"), say("a2")}}
	o, _ := newTestOrchestrator(model, testConfig())
	ctx := context.Background()

	_, err := o.Run(ctx, RunRequest{SessionID: "s1", Prompt: "q1"})
	require.NoError(t, err)
	_, err = o.Run(ctx, RunRequest{SessionID: "s1", Prompt: "q2"})
	require.NoError(t, err)

	second := model.calls()[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "q1", second[1].Content)
	assert.Equal(t, "a1", second[2].Content)
	assert.Equal(t, "q2", second[3].Content)
}

func TestRun_HistoryWindow(t *testing.T) {
	model := &scriptedModel{steps: []step{say("a1"), say("a2"), say("a3")}}
	cfg := testConfig()
	cfg.MaxHistoryTurns = 3
	o, _ := newTestOrchestrator(model, cfg)
	ctx := context.Background()

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := o.Run(ctx, RunRequest{SessionID: "s1", Prompt: q})
		require.NoError(t, err)
	}

	// Five turns stored (q1 a1 q2 a2 q3); the last three start at q2
	third := model.calls()[2].Messages
	require.Len(t, third, 4)
	assert.Equal(t, llm.RoleSystem, third[0].Role)
	assert.Equal(t, "q2", third[1].Content)
	assert.Equal(t, "q3", third[3].Content)
}

func TestRun_Timeout(t *testing.T) {
	model := &scriptedModel{steps: []step{
		func(llm.Request) (*llm.Response, error) {
			time.Sleep(100 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}}
	cfg := testConfig()
	cfg.LoopTimeout = 20 * time.Millisecond
	o, _ := newTestOrchestrator(model, cfg)

	_, err := o.Run(context.Background(), RunRequest{SessionID: "s1", Prompt: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// blockingModel records how many calls overlap per session
type blockingModel struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	total   int32
	maxAll  int32
}

func (m *blockingModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	session := req.Messages[len(req.Messages)-1].Content

	m.mu.Lock()
	m.active[session]++
	if m.active[session] > m.maxSeen[session] {
		m.maxSeen[session] = m.active[session]
	}
	m.mu.Unlock()

	n := atomic.AddInt32(&m.total, 1)
	for {
		cur := atomic.LoadInt32(&m.maxAll)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxAll, cur, n) {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)

	atomic.AddInt32(&m.total, -1)
	m.mu.Lock()
	m.active[session]--
	m.mu.Unlock()
	return &llm.Response{Content: "ok"}, nil
}

func TestRun_SerialisesPerSession(t *testing.T) {
	model := &blockingModel{active: map[string]int{}, maxSeen: map[string]int{}}
	o, store := newTestOrchestrator(model, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i%2)
			// The prompt doubles as the session marker for the model
			_, err := o.Run(context.Background(), RunRequest{SessionID: session, Prompt: session})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, model.maxSeen["s0"])
	assert.Equal(t, 1, model.maxSeen["s1"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&model.maxAll), "different sessions should run concurrently")
	assert.Zero(t, o.locks.len())

	conv, _ := store.Load(context.Background(), "s0")
	assert.Len(t, conv.Turns, 6)
}

func TestSessionLocks_ContextCancelled(t *testing.T) {
	locks := newSessionLocks()
	release, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, locks.len())
}
