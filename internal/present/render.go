package present

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lexiqai/finance-gateway/internal/finnhub"
	"github.com/lexiqai/finance-gateway/internal/tools"
)

// Disclaimer follows every answer
const Disclaimer = "All responses are AI generated, so please do your own due diligence before making any decisions."

// chartWidth is the width of the longest bar in cells
const chartWidth = 40

// View is how a reply's tool data is shown
type View int

const (
	ViewText View = iota
	ViewChart
	ViewTable
)

func (v View) String() string {
	switch v {
	case ViewChart:
		return "chart"
	case ViewTable:
		return "table"
	default:
		return "text"
	}
}

type segment struct {
	label string
	color lipgloss.Color
	count func(finnhub.RecommendationTrend) *int
}

var segments = []segment{
	{"Strong buy", lipgloss.Color("#1B5E20"), func(t finnhub.RecommendationTrend) *int { return t.StrongBuy }},
	{"Buy", lipgloss.Color("#66BB6A"), func(t finnhub.RecommendationTrend) *int { return t.Buy }},
	{"Hold", lipgloss.Color("#FFCA28"), func(t finnhub.RecommendationTrend) *int { return t.Hold }},
	{"Sell", lipgloss.Color("#EF5350"), func(t finnhub.RecommendationTrend) *int { return t.Sell }},
	{"Strong sell", lipgloss.Color("#B71C1C"), func(t finnhub.RecommendationTrend) *int { return t.StrongSell }},
}

// Renderer writes replies to a terminal
type Renderer struct {
	re *lipgloss.Renderer

	text   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	border lipgloss.Style
}

// NewRenderer creates a renderer whose colour profile follows w
func NewRenderer(w io.Writer) *Renderer {
	re := lipgloss.NewRenderer(w)
	return &Renderer{
		re:     re,
		text:   re.NewStyle(),
		muted:  re.NewStyle().Faint(true).Italic(true),
		header: re.NewStyle().Bold(true).Padding(0, 1),
		border: re.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Render writes the reply to w: tool data first when it has a visual form,
// then the answer text, then the disclaimer
func Render(w io.Writer, reply *Reply) error {
	return NewRenderer(w).Render(w, reply)
}

// Render writes the reply to w
func (r *Renderer) Render(w io.Writer, reply *Reply) error {
	var b strings.Builder

	if visual := r.Visual(reply); visual != "" {
		b.WriteString(visual)
		b.WriteString("\n\n")
	}
	b.WriteString(r.text.Render(reply.Message))
	b.WriteString("\n\n")
	b.WriteString(r.muted.Render("---"))
	b.WriteString("\n")
	b.WriteString(r.muted.Render(Disclaimer))
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Visual renders the reply's tool data as a chart or table. It returns an
// empty string when the data is absent, malformed or text-only.
func (r *Renderer) Visual(reply *Reply) string {
	result, view := Classify(reply)
	switch view {
	case ViewChart:
		return r.chart(result.Data.([]finnhub.RecommendationTrend))
	case ViewTable:
		return r.table(result)
	default:
		return ""
	}
}

// Classify decodes the reply's tool data and picks its view
func Classify(reply *Reply) (tools.Result, View) {
	if reply == nil || reply.ToolData == nil || *reply.ToolData == "" {
		return tools.Result{}, ViewText
	}
	result, err := tools.DecodeResult(*reply.ToolData)
	if err != nil {
		return tools.Result{}, ViewText
	}

	switch result.Kind {
	case tools.KindRecommendationTrends:
		trends, _ := result.Data.([]finnhub.RecommendationTrend)
		if len(trends) == 0 {
			return result, ViewText
		}
		for _, t := range trends {
			if !t.Complete() || hasNegativeCount(t) {
				return result, ViewTable
			}
		}
		return result, ViewChart
	case tools.KindQuote, tools.KindEarningsHistory, tools.KindCompanyProfile:
		return result, ViewTable
	default:
		return result, ViewText
	}
}

// chart draws one stacked bar per period, newest first
func (r *Renderer) chart(trends []finnhub.RecommendationTrend) string {
	maxTotal := 0
	for _, t := range trends {
		if total := trendTotal(t); total > maxTotal {
			maxTotal = total
		}
	}

	labelWidth := 0
	for _, t := range trends {
		labelWidth = max(labelWidth, len(t.Period))
	}

	var lines []string
	for _, t := range trends {
		var bar strings.Builder
		for _, s := range segments {
			n := max(*s.count(t), 0)
			cells := 0
			if maxTotal > 0 {
				cells = int(math.Round(float64(n) * chartWidth / float64(maxTotal)))
			}
			if n > 0 && cells == 0 {
				cells = 1
			}
			bar.WriteString(r.re.NewStyle().Foreground(s.color).Render(strings.Repeat("█", cells)))
		}
		lines = append(lines, fmt.Sprintf("%-*s │%s %d", labelWidth, t.Period, bar.String(), trendTotal(t)))
	}

	legend := make([]string, 0, len(segments))
	for _, s := range segments {
		legend = append(legend, r.re.NewStyle().Foreground(s.color).Render("■")+" "+s.label)
	}

	title := r.header.UnsetPadding().Render("Analyst recommendations")
	if trends[0].Symbol != "" {
		title = r.header.UnsetPadding().Render("Analyst recommendations for " + trends[0].Symbol)
	}
	return title + "\n" + strings.Join(lines, "\n") + "\n" + strings.Join(legend, "  ")
}

func trendTotal(t finnhub.RecommendationTrend) int {
	total := 0
	for _, s := range segments {
		if n := s.count(t); n != nil && *n > 0 {
			total += *n
		}
	}
	return total
}

func hasNegativeCount(t finnhub.RecommendationTrend) bool {
	for _, s := range segments {
		if n := s.count(t); n != nil && *n < 0 {
			return true
		}
	}
	return false
}

func (r *Renderer) table(result tools.Result) string {
	headers, rows := tableRows(result)
	if len(rows) == 0 {
		return ""
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.header
			}
			return r.re.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// tableRows lays out a result as a generic table
func tableRows(result tools.Result) ([]string, [][]string) {
	switch data := result.Data.(type) {
	case *finnhub.Quote:
		return []string{"Field", "Value"}, [][]string{
			{"Current price", money(data.Current)},
			{"Change", signed(data.Change)},
			{"Percent change", signed(data.PercentChange) + "%"},
			{"High", money(data.High)},
			{"Low", money(data.Low)},
			{"Open", money(data.Open)},
			{"Previous close", money(data.PreviousClose)},
			{"As of", timestamp(data.Timestamp)},
		}

	case []finnhub.RecommendationTrend:
		headers := []string{"Period"}
		for _, s := range segments {
			headers = append(headers, s.label)
		}
		rows := make([][]string, 0, len(data))
		for _, t := range data {
			row := []string{t.Period}
			for _, s := range segments {
				row = append(row, optInt(s.count(t)))
			}
			rows = append(rows, row)
		}
		return headers, rows

	case []finnhub.EarningsRecord:
		rows := make([][]string, 0, len(data))
		for _, e := range data {
			rows = append(rows, []string{
				e.Period,
				optFloat(e.Actual),
				optFloat(e.Estimate),
				optFloat(e.Surprise),
				optFloat(e.SurprisePercent),
			})
		}
		return []string{"Period", "Actual", "Estimate", "Surprise", "Surprise %"}, rows

	case *finnhub.CompanyProfile:
		return []string{"Field", "Value"}, [][]string{
			{"Name", data.Name},
			{"Ticker", data.Ticker},
			{"Exchange", data.Exchange},
			{"Industry", data.FinnhubIndustry},
			{"Country", data.Country},
			{"Currency", data.Currency},
			{"IPO", data.IPO},
			{"Market cap (M)", strconv.FormatFloat(data.MarketCapitalization, 'f', 2, 64)},
			{"Shares outstanding (M)", strconv.FormatFloat(data.ShareOutstanding, 'f', 2, 64)},
			{"Website", data.WebURL},
		}
	}
	return nil, nil
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func signed(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	if v > 0 {
		return "+" + s
	}
	return s
}

func timestamp(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04 MST")
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
