package tools

import (
	"encoding/json"
	"fmt"

	"github.com/lexiqai/finance-gateway/internal/finnhub"
)

// Kind tags the payload carried by a Result
type Kind string

const (
	KindQuote                Kind = "quote"
	KindRecommendationTrends Kind = "recommendation_trends"
	KindEarningsHistory      Kind = "earnings_history"
	KindCompanyProfile       Kind = "company_profile"
	KindNewsSummary          Kind = "news_summary"
	KindError                Kind = "error"
)

// Result is the outcome of one tool invocation: a well-formed payload of the
// tool's kind, or an error marker. Never both.
//
// Data holds one of *finnhub.Quote, []finnhub.RecommendationTrend,
// []finnhub.EarningsRecord, *finnhub.CompanyProfile or *finnhub.NewsSummary.
type Result struct {
	Tool  string      `json:"tool"`
	Kind  Kind        `json:"kind"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ErrorResult builds an error marker for tool
func ErrorResult(tool string, err error) Result {
	return Result{Tool: tool, Kind: KindError, Error: err.Error()}
}

// IsError reports whether r is an error marker
func (r Result) IsError() bool {
	return r.Kind == KindError
}

// Encode returns the JSON form used for tool-result turns and tool_data
func (r Result) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s result: %w", r.Tool, err)
	}
	return string(b), nil
}

// DecodeResult parses the JSON form of a Result
func DecodeResult(s string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Result{}, err
	}
	return r, nil
}

// UnmarshalJSON decodes data into the concrete type named by kind
func (r *Result) UnmarshalJSON(b []byte) error {
	var raw struct {
		Tool  string          `json:"tool"`
		Kind  Kind            `json:"kind"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var data interface{}
	switch raw.Kind {
	case KindQuote:
		data = new(finnhub.Quote)
	case KindRecommendationTrends:
		data = new([]finnhub.RecommendationTrend)
	case KindEarningsHistory:
		data = new([]finnhub.EarningsRecord)
	case KindCompanyProfile:
		data = new(finnhub.CompanyProfile)
	case KindNewsSummary:
		data = new(finnhub.NewsSummary)
	case KindError:
		*r = Result{Tool: raw.Tool, Kind: raw.Kind, Error: raw.Error}
		return nil
	default:
		return fmt.Errorf("unknown result kind %q", raw.Kind)
	}

	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return fmt.Errorf("%s result has no data", raw.Kind)
	}
	if err := json.Unmarshal(raw.Data, data); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", raw.Kind, err)
	}

	// Slices are stored by value to match what the registry produces
	switch v := data.(type) {
	case *[]finnhub.RecommendationTrend:
		data = *v
	case *[]finnhub.EarningsRecord:
		data = *v
	}

	*r = Result{Tool: raw.Tool, Kind: raw.Kind, Data: data}
	return nil
}
