package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers/guard"
)

// Polygon adapts the api.polygon.io aggregates API.
type Polygon struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewPolygon builds the adapter; an empty key leaves it unconfigured.
func NewPolygon(apiKey string) *Polygon {
	return &Polygon{
		apiKey:  apiKey,
		baseURL: "https://api.polygon.io",
		client:  defaultHTTPClient(),
		now:     time.Now,
	}
}

func (p *Polygon) Name() string       { return NamePolygon }
func (p *Polygon) IsConfigured() bool { return p.apiKey != "" }

// polygon aggregates take a multiplier plus unit, e.g. 15/minute.
func polygonRange(tf domain.Timeframe) (int, string, bool) {
	switch tf {
	case domain.TFM1:
		return 1, "minute", true
	case domain.TFM5:
		return 5, "minute", true
	case domain.TFM15:
		return 15, "minute", true
	case domain.TFM30:
		return 30, "minute", true
	case domain.TFH1:
		return 1, "hour", true
	case domain.TFH4:
		return 4, "hour", true
	case domain.TFD1:
		return 1, "day", true
	case domain.TFW1:
		return 1, "week", true
	default:
		return 0, "", false
	}
}

// polygon forex tickers carry a C: prefix: C:EURUSD.
func polygonTicker(pr domain.Pair) string { return "C:" + pr.Symbol }

type polygonAggs struct {
	Status  string `json:"status"`
	Results []struct {
		T int64   `json:"t"` // epoch ms
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"results"`
}

func (p *Polygon) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	mult, unit, ok := polygonRange(tf)
	if !ok {
		return nil, &guard.ProviderError{Provider: p.Name(), Message: fmt.Sprintf("unsupported timeframe %s", tf)}
	}

	to := p.now().UTC()
	from := to.Add(-time.Duration(int64(count)+2) * tf.Period())
	// weekends stretch the window; double it for intraday requests
	if tf.PeriodSeconds() < domain.TFD1.PeriodSeconds() {
		from = to.Add(-2 * time.Duration(int64(count)+2) * tf.Period())
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/%d/%s/%d/%d",
		polygonTicker(pair), mult, unit, from.UnixMilli(), to.UnixMilli())
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", p.apiKey)

	body, err := httpGetJSON(ctx, p.client, p.Name(), p.baseURL+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var aggs polygonAggs
	if err := json.Unmarshal(body, &aggs); err != nil {
		return nil, &guard.ProviderError{Provider: p.Name(), Message: "decode aggs: " + err.Error(), Retryable: true}
	}
	if len(aggs.Results) == 0 {
		return nil, &guard.ProviderError{Provider: p.Name(), Message: "no results (status " + aggs.Status + ")", Retryable: true}
	}

	start := 0
	if len(aggs.Results) > count {
		start = len(aggs.Results) - count
	}
	bars := make([]domain.Bar, 0, len(aggs.Results)-start)
	for _, r := range aggs.Results[start:] {
		bars = append(bars, domain.Bar{
			TimestampMs: r.T,
			Open:        r.O,
			High:        r.H,
			Low:         r.L,
			Close:       r.C,
			Volume:      r.V,
			Source:      p.Name(),
		})
	}
	return bars, nil
}

type polygonLastQuote struct {
	Status string `json:"status"`
	Last   struct {
		Bid       float64 `json:"bid"`
		Ask       float64 `json:"ask"`
		Timestamp int64   `json:"timestamp"`
	} `json:"last"`
}

func (p *Polygon) FetchQuote(ctx context.Context, pair domain.Pair) (*domain.Quote, error) {
	path := fmt.Sprintf("/v1/last_quote/currencies/%s/%s", pair.Base, pair.Quote)
	q := url.Values{}
	q.Set("apiKey", p.apiKey)

	body, err := httpGetJSON(ctx, p.client, p.Name(), p.baseURL+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var lq polygonLastQuote
	if err := json.Unmarshal(body, &lq); err != nil {
		return nil, &guard.ProviderError{Provider: p.Name(), Message: "decode last_quote: " + err.Error(), Retryable: true}
	}
	if lq.Last.Bid <= 0 || lq.Last.Ask <= 0 {
		return nil, &guard.ProviderError{Provider: p.Name(), Message: "quote missing prices", Retryable: true}
	}

	ts := lq.Last.Timestamp
	// polygon reports ns for some plans, normalize to ms
	if ts > 1e15 {
		ts /= 1e6
	}
	return &domain.Quote{
		Pair: pair.Symbol, Bid: lq.Last.Bid, Ask: lq.Last.Ask, TimestampMs: ts, Provider: p.Name(),
	}, nil
}
