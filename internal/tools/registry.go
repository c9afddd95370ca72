// Package tools is the closed set of market data lookups the model may call.
// Each tool pairs a typed argument struct with a typed function; dispatch is
// a lookup by name followed by a strict decode of the arguments.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/finance-gateway/internal/finnhub"
	"github.com/lexiqai/finance-gateway/internal/observability"
)

// Tool names as exposed to the model
const (
	GetQuote                = "getQuote"
	GetRecommendationTrends = "getRecommendationTrends"
	GetEarningsHistory      = "getEarningsHistory"
	GetCompanyProfile       = "getCompanyProfile"
	GetCompanyNewsSummary   = "getCompanyNewsSummary"
)

// Provider is the market data adapter the tools call into
type Provider interface {
	Quote(ctx context.Context, symbol string) (*finnhub.Quote, error)
	RecommendationTrends(ctx context.Context, symbol string) ([]finnhub.RecommendationTrend, error)
	EarningsHistory(ctx context.Context, symbol string) ([]finnhub.EarningsRecord, error)
	CompanyProfile(ctx context.Context, symbol string) (*finnhub.CompanyProfile, error)
	NewsSummary(ctx context.Context, symbol string) (*finnhub.NewsSummary, error)
}

// Spec describes a tool to the model
type Spec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema of the arguments object
	// FoldedIntoAnswer marks tools whose output the model restates in its
	// answer, so the structured result may be left off the side channel.
	FoldedIntoAnswer bool
}

// SymbolArgs is the argument object shared by every market data tool
type SymbolArgs struct {
	Symbol string `json:"symbol" jsonschema_description:"Ticker symbol of the requested company, e.g. AAPL"`
}

type tool interface {
	spec() Spec
	invoke(ctx context.Context, args json.RawMessage) Result
}

type typedTool[A, R any] struct {
	def  Spec
	kind Kind
	fn   func(ctx context.Context, args A) (R, error)
}

func (t *typedTool[A, R]) spec() Spec { return t.def }

func (t *typedTool[A, R]) invoke(ctx context.Context, raw json.RawMessage) Result {
	var args A
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return ErrorResult(t.def.Name, fmt.Errorf("invalid arguments: %w", err))
	}

	data, err := t.fn(ctx, args)
	if err != nil {
		return ErrorResult(t.def.Name, err)
	}
	return Result{Tool: t.def.Name, Kind: t.kind, Data: data}
}

func newTool[A, R any](name, description string, kind Kind, folded bool, fn func(context.Context, A) (R, error)) *typedTool[A, R] {
	return &typedTool[A, R]{
		def: Spec{
			Name:             name,
			Description:      description,
			Parameters:       schemaFor[A](),
			FoldedIntoAnswer: folded,
		},
		kind: kind,
		fn:   fn,
	}
}

func schemaFor[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero A
	schema := r.Reflect(&zero)
	schema.Version = ""

	b, err := json.Marshal(schema)
	if err != nil {
		// Argument structs are fixed at compile time
		panic(fmt.Sprintf("tools: cannot marshal schema for %T: %v", zero, err))
	}
	return b
}

// Registry holds the tools in registration order
type Registry struct {
	order  []string
	byName map[string]tool
}

// NewRegistry builds the five market data tools over provider
func NewRegistry(provider Provider) *Registry {
	r := &Registry{byName: make(map[string]tool)}

	r.register(newTool(GetQuote,
		"Call the stock API to get the latest stock price of the symbol for the requested company",
		KindQuote, false,
		func(ctx context.Context, a SymbolArgs) (*finnhub.Quote, error) {
			return provider.Quote(ctx, a.Symbol)
		}))
	r.register(newTool(GetRecommendationTrends,
		"Call the stock API to get the analyst recommendation trends of the symbol for the requested company",
		KindRecommendationTrends, false,
		func(ctx context.Context, a SymbolArgs) ([]finnhub.RecommendationTrend, error) {
			return provider.RecommendationTrends(ctx, a.Symbol)
		}))
	r.register(newTool(GetEarningsHistory,
		"Call the stock API to get the earnings history of the symbol for the requested company",
		KindEarningsHistory, false,
		func(ctx context.Context, a SymbolArgs) ([]finnhub.EarningsRecord, error) {
			return provider.EarningsHistory(ctx, a.Symbol)
		}))
	r.register(newTool(GetCompanyProfile,
		"Call the stock API to get the latest company profile data of the symbol for the requested company",
		KindCompanyProfile, false,
		func(ctx context.Context, a SymbolArgs) (*finnhub.CompanyProfile, error) {
			return provider.CompanyProfile(ctx, a.Symbol)
		}))
	r.register(newTool(GetCompanyNewsSummary,
		"Fetch the last week of company news for the symbol and summarize it",
		KindNewsSummary, true,
		func(ctx context.Context, a SymbolArgs) (*finnhub.NewsSummary, error) {
			return provider.NewsSummary(ctx, a.Symbol)
		}))

	return r
}

func (r *Registry) register(t tool) {
	name := t.spec().Name
	if _, dup := r.byName[name]; dup {
		panic("tools: duplicate tool " + name)
	}
	r.order = append(r.order, name)
	r.byName[name] = t
}

// Specs returns every tool spec in registration order
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.byName[name].spec())
	}
	return specs
}

// Lookup returns the spec of the named tool
func (r *Registry) Lookup(name string) (Spec, bool) {
	t, ok := r.byName[name]
	if !ok {
		return Spec{}, false
	}
	return t.spec(), true
}

// Dispatch runs the named tool. It never fails: unknown tools, bad arguments
// and provider errors all come back as error markers.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) Result {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)

	ctx, span := observability.StartSpan(ctx, "tool."+name)
	defer span.End()

	t, ok := r.byName[name]
	if !ok {
		observability.RecordToolCall("unknown", false, time.Since(start))
		logger.Warn().Str("tool", name).Msg("Model requested unknown tool")
		return ErrorResult(name, fmt.Errorf("unknown tool %q", name))
	}

	result := t.invoke(ctx, args)
	observability.RecordToolCall(name, !result.IsError(), time.Since(start))

	if result.IsError() {
		span.SetAttributes(attribute.String("tool.error", result.Error))
		logger.Info().
			Str("tool", name).
			Str("error", result.Error).
			Dur("duration", time.Since(start)).
			Msg("Tool returned error marker")
	} else {
		logger.Debug().
			Str("tool", name).
			Dur("duration", time.Since(start)).
			Msg("Tool completed")
	}
	return result
}
