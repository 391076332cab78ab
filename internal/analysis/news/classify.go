package news

import (
	"strings"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

// Headline is one raw item before classification.
type Headline struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Currencies  []string  `json:"currencies,omitempty"`
}

// newsType labels the taxonomy bucket a headline falls into.
const (
	TypeCentralBank     = "central_bank"
	TypeEconomicData    = "economic_data"
	TypeGeopolitical    = "geopolitical"
	TypeTrade           = "trade"
	TypeMarketSentiment = "market_sentiment"
	TypeGeneral         = "general"
)

// keyword tables drive the taxonomy. Matching is case-insensitive on
// whole phrases; first bucket wins in the listed priority.
var (
	criticalKeywords = []string{
		"rate decision", "emergency meeting", "intervention", "nonfarm payrolls",
		"nfp", "currency peg", "default",
	}
	centralBankKeywords = []string{
		"fed", "fomc", "ecb", "boe", "boj", "snb", "rba", "boc", "rbnz",
		"central bank", "rate hike", "rate cut", "hawkish", "dovish",
		"quantitative easing", "tightening", "policy rate",
	}
	economicDataKeywords = []string{
		"cpi", "inflation", "gdp", "payroll", "unemployment", "jobless",
		"pmi", "retail sales", "trade balance", "industrial production",
		"consumer confidence",
	}
	geopoliticalKeywords = []string{
		"war", "conflict", "sanction", "election", "referendum", "coup",
		"missile", "invasion", "ceasefire",
	}
	tradeKeywords = []string{
		"tariff", "trade deal", "trade war", "export ban", "import duty", "wto",
	}
	sentimentKeywords = []string{
		"risk-on", "risk-off", "rally", "selloff", "sell-off", "haven",
		"plunge", "surge", "rout",
	}

	bullishKeywords = []string{
		"beats", "beat expectations", "stronger than expected", "rises", "surges",
		"rallies", "hawkish", "hike", "upbeat", "accelerates", "tops forecast",
		"strengthen",
	}
	bearishKeywords = []string{
		"misses", "missed expectations", "weaker than expected", "falls", "drops",
		"plunges", "dovish", "cut", "slows", "disappoints", "contraction", "weaken",
	}

	imminentKeywords = []string{
		"ahead of", "expected later", "due", "preview", "looms", "set to announce",
		"eyes on", "countdown",
	}
)

func containsAny(title string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(title, k) {
			return true
		}
	}
	return false
}

// Classify assigns taxonomy, impact, timing and recommended actions to a
// headline. now anchors the timing windows.
func Classify(h Headline, now time.Time) domain.NewsClassification {
	title := strings.ToLower(h.Title)

	var kind string
	switch {
	case containsAny(title, centralBankKeywords):
		kind = TypeCentralBank
	case containsAny(title, economicDataKeywords):
		kind = TypeEconomicData
	case containsAny(title, geopoliticalKeywords):
		kind = TypeGeopolitical
	case containsAny(title, tradeKeywords):
		kind = TypeTrade
	case containsAny(title, sentimentKeywords):
		kind = TypeMarketSentiment
	default:
		kind = TypeGeneral
	}

	impact := impactFor(kind, title)
	timing := timingFor(title, h.PublishedAt, now)

	return domain.NewsClassification{
		Type:                 kind,
		ImpactLevel:          impact,
		Timing:               timing,
		RecommendedActions:   actionsFor(impact, timing),
		VolatilityMultiplier: volatilityFor(impact),
	}
}

func impactFor(kind, title string) domain.NewsImpact {
	if containsAny(title, criticalKeywords) {
		return domain.ImpactCritical
	}
	switch kind {
	case TypeCentralBank:
		return domain.ImpactHigh
	case TypeEconomicData:
		if containsAny(title, []string{"cpi", "inflation", "gdp", "payroll", "unemployment"}) {
			return domain.ImpactHigh
		}
		return domain.ImpactMedium
	case TypeGeopolitical, TypeTrade:
		return domain.ImpactMedium
	default:
		return domain.ImpactLow
	}
}

// timingFor prefers forward-looking phrasing, then falls back to age.
func timingFor(title string, publishedAt, now time.Time) domain.NewsTiming {
	if containsAny(title, imminentKeywords) {
		return domain.TimingImminent
	}
	age := now.Sub(publishedAt)
	switch {
	case age < 0:
		return domain.TimingImminent
	case age <= 30*time.Minute:
		return domain.TimingDuring
	case age <= 6*time.Hour:
		return domain.TimingRecent
	default:
		return domain.TimingStale
	}
}

func actionsFor(impact domain.NewsImpact, timing domain.NewsTiming) []string {
	if timing == domain.TimingStale {
		return nil
	}
	switch impact {
	case domain.ImpactCritical:
		return []string{"halt_new_entries", "reduce_position_size", "widen_stops"}
	case domain.ImpactHigh:
		return []string{"reduce_position_size", "widen_stops"}
	case domain.ImpactMedium:
		return []string{"monitor"}
	default:
		return nil
	}
}

func volatilityFor(impact domain.NewsImpact) float64 {
	switch impact {
	case domain.ImpactCritical:
		return 2.0
	case domain.ImpactHigh:
		return 1.5
	case domain.ImpactMedium:
		return 1.2
	default:
		return 1.0
	}
}

// headlinePolarity scores the directional lean of one headline for the
// currency it mentions: +1 bullish, -1 bearish, 0 unreadable.
func headlinePolarity(title string) float64 {
	t := strings.ToLower(title)
	bull := containsAny(t, bullishKeywords)
	bear := containsAny(t, bearishKeywords)
	switch {
	case bull && !bear:
		return 1
	case bear && !bull:
		return -1
	default:
		return 0
	}
}

// pairLean converts a currency-level polarity into a pair-level one:
// strength in the base currency lifts the pair, strength in the quote
// currency weighs on it.
func pairLean(polarity float64, currency string, pair domain.Pair) float64 {
	switch currency {
	case pair.Base:
		return polarity
	case pair.Quote:
		return -polarity
	default:
		return 0
	}
}
