// Package finnhub is the market data adapter. Each lookup is a single
// request/response against the Finnhub REST API with no retries and no caching.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/finance-gateway/internal/observability"
	"github.com/lexiqai/finance-gateway/internal/resilience"
)

// DefaultBaseURL is the public Finnhub API root
const DefaultBaseURL = "https://finnhub.io/api/v1"

const newsWindow = 7 * 24 * time.Hour

var (
	// ErrUpstreamUnavailable covers transport failures, non-2xx answers and an open circuit
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrEmptyResult means the API had no data for the symbol or time window
	ErrEmptyResult = errors.New("empty result")
	// ErrMalformedUpstreamResponse means the body did not have the expected shape
	ErrMalformedUpstreamResponse = errors.New("malformed upstream response")
	// ErrInvalidSymbol is returned before any request is made
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Options configures a Client
type Options struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	Breaker   *resilience.CircuitBreaker
	Transport http.RoundTripper
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Client handles API communication with Finnhub
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient creates a Finnhub client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("finnhub", 5, 30*time.Second)
	}

	logger := opts.Logger.With().Str("component", "finnhub").Logger()
	opts.Breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to), to.String())
		logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Finnhub circuit breaker changed state")
	})

	return &Client{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: observability.InstrumentTransport(opts.Transport),
		},
		breaker: opts.Breaker,
		now:     opts.Now,
		logger:  logger,
	}
}

// Quote fetches the latest price for symbol
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var quote Quote
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &quote); err != nil {
		return nil, err
	}
	// A zero current price is how the API answers unknown symbols
	if quote.Current == 0 {
		return nil, fmt.Errorf("%w: no quote data available for %s", ErrEmptyResult, symbol)
	}
	return &quote, nil
}

// RecommendationTrends fetches analyst recommendation counts, newest period first
func (c *Client) RecommendationTrends(ctx context.Context, symbol string) ([]RecommendationTrend, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var trends []RecommendationTrend
	if err := c.get(ctx, "/stock/recommendation", url.Values{"symbol": {symbol}}, &trends); err != nil {
		return nil, err
	}
	if len(trends) == 0 {
		return nil, fmt.Errorf("%w: no recommendation trends available for %s", ErrEmptyResult, symbol)
	}

	sort.SliceStable(trends, func(i, j int) bool {
		return trends[i].Period > trends[j].Period
	})
	return trends, nil
}

// EarningsHistory fetches historical quarterly earnings
func (c *Client) EarningsHistory(ctx context.Context, symbol string) ([]EarningsRecord, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var records []EarningsRecord
	if err := c.get(ctx, "/stock/earnings", url.Values{"symbol": {symbol}}, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no earnings history available for %s", ErrEmptyResult, symbol)
	}
	return records, nil
}

// CompanyProfile fetches the company descriptor
func (c *Client) CompanyProfile(ctx context.Context, symbol string) (*CompanyProfile, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var profile CompanyProfile
	if err := c.get(ctx, "/stock/profile2", url.Values{"symbol": {symbol}}, &profile); err != nil {
		return nil, err
	}
	if profile.Name == "" {
		return nil, fmt.Errorf("%w: no company profile available for %s", ErrEmptyResult, symbol)
	}
	return &profile, nil
}

// CompanyNews fetches news items published between from and to (YYYY-MM-DD)
func (c *Client) CompanyNews(ctx context.Context, symbol, from, to string) ([]NewsItem, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	var items []NewsItem
	params := url.Values{"symbol": {symbol}, "from": {from}, "to": {to}}
	if err := c.get(ctx, "/company-news", params, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// NewsSummary reduces the last seven days of company news to one object
// holding every non-empty summary joined by newlines. It never returns an
// empty summary: no items or no summaries is ErrEmptyResult.
func (c *Client) NewsSummary(ctx context.Context, symbol string) (*NewsSummary, error) {
	to := c.now()
	from := to.Add(-newsWindow)

	items, err := c.CompanyNews(ctx, symbol, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no news data available", ErrEmptyResult)
	}

	summaries := make([]string, 0, len(items))
	for _, item := range items {
		if item.Summary != "" {
			summaries = append(summaries, item.Summary)
		}
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("%w: no summaries found in response", ErrEmptyResult)
	}

	return &NewsSummary{Summaries: strings.Join(summaries, "\n")}, nil
}

// Healthy reports whether the upstream circuit admits requests
func (c *Client) Healthy(context.Context) (bool, error) {
	if err := c.breaker.Health(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	start := time.Now()

	err := c.breaker.Call(func() error {
		return c.do(ctx, endpoint, params, out)
	}, func(err error) bool {
		// Only upstream trouble trips the breaker, not unknown symbols or odd payloads
		return errors.Is(err, ErrUpstreamUnavailable) && ctx.Err() == nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	observability.RecordUpstreamCall(endpoint, err == nil, time.Since(start))
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Str("symbol", params.Get("symbol")).
			Msg("Finnhub request failed")
	}
	return err
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	params.Set("token", c.apiKey)
	fullURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s request failed: %w", ErrUpstreamUnavailable, endpoint, redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned status %d: %s",
			ErrUpstreamUnavailable, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedUpstreamResponse, endpoint, err)
	}
	return nil
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("%w: symbol is required", ErrInvalidSymbol)
	}
	return symbol, nil
}

// redact keeps the API token out of url.Error messages
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	msg := err.Error()
	out := strings.NewReplacer(token, "REDACTED", url.QueryEscape(token), "REDACTED").Replace(msg)
	if out == msg {
		return err
	}
	return errors.New(out)
}
