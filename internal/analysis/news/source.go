package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HeadlineSource supplies raw headlines scoped to a currency set.
type HeadlineSource interface {
	Name() string
	IsConfigured() bool
	FetchHeadlines(ctx context.Context, currencies []string, limit int) ([]Headline, error)
}

// SentimentKind names the three positioning components.
type SentimentKind string

const (
	KindSocial      SentimentKind = "social"
	KindCOT         SentimentKind = "cot"
	KindOptionsFlow SentimentKind = "options_flow"
)

// ComponentRead is one positioning component's contribution.
type ComponentRead struct {
	Kind       SentimentKind `json:"kind"`
	Score      float64       `json:"score"`      // -100..100
	Confidence float64       `json:"confidence"` // 0..100
	Source     string        `json:"source"`
}

// SentimentSource supplies one positioning component per pair symbol.
type SentimentSource interface {
	Kind() SentimentKind
	Name() string
	IsConfigured() bool
	Fetch(ctx context.Context, symbol string) (ComponentRead, error)
}

// SyntheticComponent is the neutral stand-in used when a source is
// missing or failing. Downstream treats synthetic as non-confirming.
func SyntheticComponent(kind SentimentKind) ComponentRead {
	return ComponentRead{Kind: kind, Score: 0, Confidence: 0, Source: "synthetic-" + string(kind)}
}

// HTTPHeadlineSource reads a JSON headline feed.
type HTTPHeadlineSource struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewHTTPHeadlineSource builds the adapter; empty key means unconfigured.
func NewHTTPHeadlineSource(apiKey, baseURL string) *HTTPHeadlineSource {
	if baseURL == "" {
		baseURL = "https://newsapi.org/v2"
	}
	return &HTTPHeadlineSource{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 8 * time.Second},
	}
}

func (h *HTTPHeadlineSource) Name() string       { return "headline-feed" }
func (h *HTTPHeadlineSource) IsConfigured() bool { return h.apiKey != "" }

type feedArticle struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
	PublishedAt time.Time `json:"publishedAt"`
}

type feedResponse struct {
	Status   string        `json:"status"`
	Message  string        `json:"message"`
	Articles []feedArticle `json:"articles"`
}

// FetchHeadlines queries the vendor for headlines naming the currency
// set. Currency tags are inferred from the title text.
func (h *HTTPHeadlineSource) FetchHeadlines(ctx context.Context, currencies []string, limit int) ([]Headline, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("q", strings.Join(currencies, " OR "))
	q.Set("pageSize", fmt.Sprintf("%d", limit))
	q.Set("sortBy", "publishedAt")
	q.Set("apiKey", h.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/everything?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build headline request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("headline request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("headline request: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("headline response: %w", err)
	}
	var fr feedResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("decode headline response: %w", err)
	}
	if fr.Status != "" && fr.Status != "ok" {
		return nil, fmt.Errorf("headline response: %s", fr.Message)
	}

	out := make([]Headline, 0, len(fr.Articles))
	for i, a := range fr.Articles {
		id := a.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", h.Name(), a.PublishedAt.Unix(), i)
		}
		out = append(out, Headline{
			ID:          id,
			Title:       a.Title,
			Source:      a.Source.Name,
			PublishedAt: a.PublishedAt,
			Currencies:  TagCurrencies(a.Title, currencies),
		})
	}
	return out, nil
}

// currencyAliases maps common words to currency codes for tagging.
var currencyAliases = map[string][]string{
	"USD": {"usd", "dollar", "greenback", "fed", "fomc"},
	"EUR": {"eur", "euro", "ecb", "eurozone"},
	"GBP": {"gbp", "pound", "sterling", "boe", "cable"},
	"JPY": {"jpy", "yen", "boj"},
	"CHF": {"chf", "franc", "snb"},
	"AUD": {"aud", "aussie", "rba"},
	"CAD": {"cad", "loonie", "boc"},
	"NZD": {"nzd", "kiwi", "rbnz"},
}

// TagCurrencies extracts the currencies a title references, restricted
// to the requested set when non-empty.
func TagCurrencies(title string, scope []string) []string {
	t := strings.ToLower(title)
	want := make(map[string]bool, len(scope))
	for _, c := range scope {
		want[strings.ToUpper(c)] = true
	}
	var out []string
	for ccy, aliases := range currencyAliases {
		if len(want) > 0 && !want[ccy] {
			continue
		}
		if containsAny(t, aliases) {
			out = append(out, ccy)
		}
	}
	return out
}

// httpSentimentSource adapts one positioning feed (social chatter, CFTC
// commitment-of-traders, or options flow) behind the shared interface.
type httpSentimentSource struct {
	kind    SentimentKind
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSentimentSource builds one component adapter; empty key means
// unconfigured and the analyzer substitutes a synthetic neutral.
func NewSentimentSource(kind SentimentKind, apiKey, baseURL string) SentimentSource {
	return &httpSentimentSource{
		kind:    kind,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 6 * time.Second},
	}
}

func (s *httpSentimentSource) Kind() SentimentKind { return s.kind }
func (s *httpSentimentSource) Name() string        { return string(s.kind) + "-feed" }
func (s *httpSentimentSource) IsConfigured() bool  { return s.apiKey != "" && s.baseURL != "" }

type sentimentPayload struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func (s *httpSentimentSource) Fetch(ctx context.Context, symbol string) (ComponentRead, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("api_key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return ComponentRead{}, fmt.Errorf("build %s request: %w", s.kind, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ComponentRead{}, fmt.Errorf("%s request: %w", s.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ComponentRead{}, fmt.Errorf("%s request: status %d", s.kind, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ComponentRead{}, fmt.Errorf("%s response: %w", s.kind, err)
	}
	var p sentimentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ComponentRead{}, fmt.Errorf("decode %s response: %w", s.kind, err)
	}
	if p.Error != "" {
		return ComponentRead{}, fmt.Errorf("%s response: %s", s.kind, p.Error)
	}
	return ComponentRead{
		Kind:       s.kind,
		Score:      clamp(p.Score, -100, 100),
		Confidence: clamp(p.Confidence, 0, 100),
		Source:     s.Name(),
	}, nil
}
