package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers/guard"
)

// AlphaVantage adapts the alphavantage.co FX API. The free tier is
// heavily metered, so it normally sits last in the preference order.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAlphaVantage builds the adapter; an empty key leaves it unconfigured.
func NewAlphaVantage(apiKey string) *AlphaVantage {
	return &AlphaVantage{
		apiKey:  apiKey,
		baseURL: "https://www.alphavantage.co",
		client:  defaultHTTPClient(),
	}
}

func (a *AlphaVantage) Name() string       { return NameAlphaVantage }
func (a *AlphaVantage) IsConfigured() bool { return a.apiKey != "" }

func alphaVantageInterval(tf domain.Timeframe) (fn, interval string, ok bool) {
	switch tf {
	case domain.TFM1:
		return "FX_INTRADAY", "1min", true
	case domain.TFM5:
		return "FX_INTRADAY", "5min", true
	case domain.TFM15:
		return "FX_INTRADAY", "15min", true
	case domain.TFM30:
		return "FX_INTRADAY", "30min", true
	case domain.TFH1:
		return "FX_INTRADAY", "60min", true
	case domain.TFD1:
		return "FX_DAILY", "", true
	case domain.TFW1:
		return "FX_WEEKLY", "", true
	default:
		return "", "", false
	}
}

type alphaVantageBar struct {
	Open  string `json:"1. open"`
	High  string `json:"2. high"`
	Low   string `json:"3. low"`
	Close string `json:"4. close"`
}

func (a *AlphaVantage) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	fn, interval, ok := alphaVantageInterval(tf)
	if !ok {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: fmt.Sprintf("unsupported timeframe %s", tf)}
	}

	q := url.Values{}
	q.Set("function", fn)
	q.Set("from_symbol", pair.Base)
	q.Set("to_symbol", pair.Quote)
	if interval != "" {
		q.Set("interval", interval)
	}
	if count > 100 {
		q.Set("outputsize", "full")
	}
	q.Set("apikey", a.apiKey)

	body, err := httpGetJSON(ctx, a.client, a.Name(), a.baseURL+"/query?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// responses nest the series under a key that embeds the interval, so
	// decode loosely and find it by prefix
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "decode envelope: " + err.Error(), Retryable: true}
	}
	if note, ok := envelope["Note"]; ok {
		// throttling notes arrive as HTTP 200
		return nil, &guard.ProviderError{
			Provider: a.Name(), StatusCode: 429, Message: "throttled: " + string(note), Retryable: true,
		}
	}
	if msg, ok := envelope["Error Message"]; ok {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: string(msg)}
	}

	var seriesRaw json.RawMessage
	for k, v := range envelope {
		if len(k) >= 11 && k[:11] == "Time Series" {
			seriesRaw = v
			break
		}
	}
	if seriesRaw == nil {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "series key missing", Retryable: true}
	}

	var series map[string]alphaVantageBar
	if err := json.Unmarshal(seriesRaw, &series); err != nil {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "decode series: " + err.Error(), Retryable: true}
	}
	if len(series) == 0 {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "empty series", Retryable: true}
	}

	bars := make([]domain.Bar, 0, len(series))
	for stamp, v := range series {
		ts, err := time.Parse("2006-01-02 15:04:05", stamp)
		if err != nil {
			ts, err = time.Parse("2006-01-02", stamp)
			if err != nil {
				continue
			}
		}
		b := domain.Bar{TimestampMs: ts.UnixMilli(), Source: a.Name()}
		if b.Open, err = strconv.ParseFloat(v.Open, 64); err != nil {
			continue
		}
		if b.High, err = strconv.ParseFloat(v.High, 64); err != nil {
			continue
		}
		if b.Low, err = strconv.ParseFloat(v.Low, 64); err != nil {
			continue
		}
		if b.Close, err = strconv.ParseFloat(v.Close, 64); err != nil {
			continue
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampMs < bars[j].TimestampMs })

	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	if len(bars) == 0 {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "no parseable bars", Retryable: true}
	}
	return bars, nil
}

type alphaVantageRate struct {
	Rate struct {
		ExchangeRate string `json:"5. Exchange Rate"`
		LastRefresh  string `json:"6. Last Refreshed"`
		Bid          string `json:"8. Bid Price"`
		Ask          string `json:"9. Ask Price"`
	} `json:"Realtime Currency Exchange Rate"`
}

func (a *AlphaVantage) FetchQuote(ctx context.Context, pair domain.Pair) (*domain.Quote, error) {
	q := url.Values{}
	q.Set("function", "CURRENCY_EXCHANGE_RATE")
	q.Set("from_currency", pair.Base)
	q.Set("to_currency", pair.Quote)
	q.Set("apikey", a.apiKey)

	body, err := httpGetJSON(ctx, a.client, a.Name(), a.baseURL+"/query?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var r alphaVantageRate
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &guard.ProviderError{Provider: a.Name(), Message: "decode rate: " + err.Error(), Retryable: true}
	}

	bid, errB := strconv.ParseFloat(r.Rate.Bid, 64)
	ask, errA := strconv.ParseFloat(r.Rate.Ask, 64)
	if errB != nil || errA != nil || bid <= 0 || ask <= 0 {
		mid, err := strconv.ParseFloat(r.Rate.ExchangeRate, 64)
		if err != nil || mid <= 0 {
			return nil, &guard.ProviderError{Provider: a.Name(), Message: "rate missing prices", Retryable: true}
		}
		bid, ask = mid, mid
	}

	ts := time.Now().UnixMilli()
	if t, err := time.Parse("2006-01-02 15:04:05", r.Rate.LastRefresh); err == nil {
		ts = t.UnixMilli()
	}
	return &domain.Quote{
		Pair: pair.Symbol, Bid: bid, Ask: ask, TimestampMs: ts, Provider: a.Name(),
	}, nil
}
