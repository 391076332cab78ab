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

// TwelveData adapts the twelvedata.com REST API.
type TwelveData struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTwelveData builds the adapter; an empty key leaves it unconfigured.
func NewTwelveData(apiKey string) *TwelveData {
	return &TwelveData{
		apiKey:  apiKey,
		baseURL: "https://api.twelvedata.com",
		client:  defaultHTTPClient(),
	}
}

func (t *TwelveData) Name() string       { return NameTwelveData }
func (t *TwelveData) IsConfigured() bool { return t.apiKey != "" }

var twelveDataIntervals = map[domain.Timeframe]string{
	domain.TFM1:  "1min",
	domain.TFM5:  "5min",
	domain.TFM15: "15min",
	domain.TFM30: "30min",
	domain.TFH1:  "1h",
	domain.TFH4:  "4h",
	domain.TFD1:  "1day",
	domain.TFW1:  "1week",
}

// twelveData symbols use a slash separator: EUR/USD.
func twelveDataSymbol(p domain.Pair) string { return p.Base + "/" + p.Quote }

type twelveDataSeries struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

func (t *TwelveData) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	interval, ok := twelveDataIntervals[tf]
	if !ok {
		return nil, &guard.ProviderError{Provider: t.Name(), Message: fmt.Sprintf("unsupported timeframe %s", tf)}
	}

	q := url.Values{}
	q.Set("symbol", twelveDataSymbol(pair))
	q.Set("interval", interval)
	q.Set("outputsize", strconv.Itoa(count))
	q.Set("timezone", "UTC")
	q.Set("apikey", t.apiKey)

	body, err := httpGetJSON(ctx, t.client, t.Name(), t.baseURL+"/time_series?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var series twelveDataSeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, &guard.ProviderError{Provider: t.Name(), Message: "decode time_series: " + err.Error(), Retryable: true}
	}
	if series.Status == "error" || len(series.Values) == 0 {
		return nil, &guard.ProviderError{Provider: t.Name(), Message: "empty series: " + series.Message, Retryable: true}
	}

	bars := make([]domain.Bar, 0, len(series.Values))
	for _, v := range series.Values {
		ts, err := time.Parse("2006-01-02 15:04:05", v.Datetime)
		if err != nil {
			// daily and weekly series omit the clock part
			ts, err = time.Parse("2006-01-02", v.Datetime)
			if err != nil {
				return nil, &guard.ProviderError{Provider: t.Name(), Message: "bad datetime " + v.Datetime}
			}
		}
		b := domain.Bar{TimestampMs: ts.UnixMilli(), Source: t.Name()}
		if b.Open, err = strconv.ParseFloat(v.Open, 64); err != nil {
			return nil, &guard.ProviderError{Provider: t.Name(), Message: "bad open " + v.Open}
		}
		if b.High, err = strconv.ParseFloat(v.High, 64); err != nil {
			return nil, &guard.ProviderError{Provider: t.Name(), Message: "bad high " + v.High}
		}
		if b.Low, err = strconv.ParseFloat(v.Low, 64); err != nil {
			return nil, &guard.ProviderError{Provider: t.Name(), Message: "bad low " + v.Low}
		}
		if b.Close, err = strconv.ParseFloat(v.Close, 64); err != nil {
			return nil, &guard.ProviderError{Provider: t.Name(), Message: "bad close " + v.Close}
		}
		if v.Volume != "" {
			b.Volume, _ = strconv.ParseFloat(v.Volume, 64)
		}
		bars = append(bars, b)
	}

	// vendor returns newest first
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampMs < bars[j].TimestampMs })
	return bars, nil
}

type twelveDataQuote struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Close     string `json:"close"`
}

func (t *TwelveData) FetchQuote(ctx context.Context, pair domain.Pair) (*domain.Quote, error) {
	q := url.Values{}
	q.Set("symbol", twelveDataSymbol(pair))
	q.Set("apikey", t.apiKey)

	body, err := httpGetJSON(ctx, t.client, t.Name(), t.baseURL+"/quote?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var qt twelveDataQuote
	if err := json.Unmarshal(body, &qt); err != nil {
		return nil, &guard.ProviderError{Provider: t.Name(), Message: "decode quote: " + err.Error(), Retryable: true}
	}
	if qt.Status == "error" {
		return nil, &guard.ProviderError{Provider: t.Name(), Message: "quote error", Retryable: true}
	}

	bid, errB := strconv.ParseFloat(qt.Bid, 64)
	ask, errA := strconv.ParseFloat(qt.Ask, 64)
	if errB != nil || errA != nil || bid <= 0 || ask <= 0 {
		// some plans omit bid/ask; derive a zero-spread quote from close
		mid, err := strconv.ParseFloat(qt.Close, 64)
		if err != nil || mid <= 0 {
			return nil, &guard.ProviderError{Provider: t.Name(), Message: "quote missing prices", Retryable: true}
		}
		bid, ask = mid, mid
	}

	ts := qt.Timestamp * 1000
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	return &domain.Quote{
		Pair: pair.Symbol, Bid: bid, Ask: ask, TimestampMs: ts, Provider: t.Name(),
	}, nil
}
