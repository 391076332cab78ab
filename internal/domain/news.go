package domain

import "time"

// NewsImpact grades how market-moving a headline is expected to be.
type NewsImpact string

const (
	ImpactLow      NewsImpact = "low"
	ImpactMedium   NewsImpact = "medium"
	ImpactHigh     NewsImpact = "high"
	ImpactCritical NewsImpact = "critical"
)

// NewsTiming positions a headline relative to its market effect window.
type NewsTiming string

const (
	TimingImminent NewsTiming = "imminent"
	TimingDuring   NewsTiming = "during"
	TimingRecent   NewsTiming = "recent"
	TimingStale    NewsTiming = "stale"
)

// NewsClassification is the analyzer's verdict on one headline.
type NewsClassification struct {
	Type                 string     `json:"type"`
	ImpactLevel          NewsImpact `json:"impact_level"`
	Timing               NewsTiming `json:"timing"`
	RecommendedActions   []string   `json:"recommended_actions,omitempty"`
	VolatilityMultiplier float64    `json:"volatility_multiplier"`
}

// NewsItem is one classified headline.
type NewsItem struct {
	ID             string             `json:"id"`
	Headline       string             `json:"headline"`
	Source         string             `json:"source"`
	PublishedAt    time.Time          `json:"published_at"`
	Currencies     []string           `json:"currencies,omitempty"`
	Classification NewsClassification `json:"classification"`
}

// Mentions reports whether the item names the given currency.
func (n NewsItem) Mentions(currency string) bool {
	for _, c := range n.Currencies {
		if c == currency {
			return true
		}
	}
	return false
}
