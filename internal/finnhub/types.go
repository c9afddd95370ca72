package finnhub

// Quote is the latest price snapshot for a symbol
type Quote struct {
	Current       float64 `json:"c"`  // Current price
	Change        float64 `json:"d"`  // Change
	PercentChange float64 `json:"dp"` // Percent change
	High          float64 `json:"h"`  // High price of the day
	Low           float64 `json:"l"`  // Low price of the day
	Open          float64 `json:"o"`  // Open price of the day
	PreviousClose float64 `json:"pc"` // Previous close price
	Timestamp     int64   `json:"t"`
}

// RecommendationTrend is one period of analyst recommendation counts.
// Count fields are pointers so a record missing a field survives a round trip
// through JSON and the presentation layer can tell it apart from a zero count.
type RecommendationTrend struct {
	Period     string `json:"period"`
	StrongBuy  *int   `json:"strongBuy,omitempty"`
	Buy        *int   `json:"buy,omitempty"`
	Hold       *int   `json:"hold,omitempty"`
	Sell       *int   `json:"sell,omitempty"`
	StrongSell *int   `json:"strongSell,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

// Complete reports whether all five count fields are present
func (r RecommendationTrend) Complete() bool {
	return r.StrongBuy != nil && r.Buy != nil && r.Hold != nil && r.Sell != nil && r.StrongSell != nil
}

// EarningsRecord is one reported quarter
type EarningsRecord struct {
	Period          string   `json:"period"`
	Actual          *float64 `json:"actual"`
	Estimate        *float64 `json:"estimate"`
	Surprise        *float64 `json:"surprise"`
	SurprisePercent *float64 `json:"surprisePercent"`
	Quarter         int      `json:"quarter"`
	Year            int      `json:"year"`
	Symbol          string   `json:"symbol,omitempty"`
}

// CompanyProfile is the static company descriptor
type CompanyProfile struct {
	Country              string  `json:"country"`
	Currency             string  `json:"currency"`
	Exchange             string  `json:"exchange"`
	FinnhubIndustry      string  `json:"finnhubIndustry"`
	IPO                  string  `json:"ipo"`
	Logo                 string  `json:"logo"`
	MarketCapitalization float64 `json:"marketCapitalization"`
	Name                 string  `json:"name"`
	Phone                string  `json:"phone"`
	ShareOutstanding     float64 `json:"shareOutstanding"`
	Ticker               string  `json:"ticker"`
	WebURL               string  `json:"weburl"`
}

// NewsItem is a single company news article
type NewsItem struct {
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Image    string `json:"image"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// NewsSummary joins the summaries of the last week's news, newline separated
type NewsSummary struct {
	Summaries string `json:"summaries"`
}
