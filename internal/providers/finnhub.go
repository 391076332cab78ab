package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers/guard"
)

// Finnhub adapts the finnhub.io forex candle API.
type Finnhub struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewFinnhub builds the adapter; an empty key leaves it unconfigured.
func NewFinnhub(apiKey string) *Finnhub {
	return &Finnhub{
		apiKey:  apiKey,
		baseURL: "https://finnhub.io/api/v1",
		client:  defaultHTTPClient(),
		now:     time.Now,
	}
}

func (f *Finnhub) Name() string       { return NameFinnhub }
func (f *Finnhub) IsConfigured() bool { return f.apiKey != "" }

var finnhubResolutions = map[domain.Timeframe]string{
	domain.TFM1:  "1",
	domain.TFM5:  "5",
	domain.TFM15: "15",
	domain.TFM30: "30",
	domain.TFH1:  "60",
	domain.TFH4:  "240",
	domain.TFD1:  "D",
	domain.TFW1:  "W",
}

// finnhub routes forex symbols through the OANDA feed: OANDA:EUR_USD.
func finnhubSymbol(p domain.Pair) string { return "OANDA:" + p.Base + "_" + p.Quote }

type finnhubCandles struct {
	Status string    `json:"s"`
	Opens  []float64 `json:"o"`
	Highs  []float64 `json:"h"`
	Lows   []float64 `json:"l"`
	Closes []float64 `json:"c"`
	Times  []int64   `json:"t"`
	Vols   []float64 `json:"v"`
}

func (f *Finnhub) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	res, ok := finnhubResolutions[tf]
	if !ok {
		return nil, &guard.ProviderError{Provider: f.Name(), Message: fmt.Sprintf("unsupported timeframe %s", tf)}
	}

	to := f.now().UTC()
	from := to.Add(-time.Duration(int64(count)+2) * tf.Period())

	q := url.Values{}
	q.Set("symbol", finnhubSymbol(pair))
	q.Set("resolution", res)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	q.Set("token", f.apiKey)

	body, err := httpGetJSON(ctx, f.client, f.Name(), f.baseURL+"/forex/candle?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var c finnhubCandles
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, &guard.ProviderError{Provider: f.Name(), Message: "decode candles: " + err.Error(), Retryable: true}
	}
	if c.Status != "ok" || len(c.Times) == 0 {
		return nil, &guard.ProviderError{Provider: f.Name(), Message: "no data (status " + c.Status + ")", Retryable: true}
	}
	n := len(c.Times)
	if len(c.Opens) != n || len(c.Highs) != n || len(c.Lows) != n || len(c.Closes) != n {
		return nil, &guard.ProviderError{Provider: f.Name(), Message: "ragged candle arrays"}
	}

	start := 0
	if n > count {
		start = n - count
	}
	bars := make([]domain.Bar, 0, n-start)
	for i := start; i < n; i++ {
		b := domain.Bar{
			TimestampMs: c.Times[i] * 1000,
			Open:        c.Opens[i],
			High:        c.Highs[i],
			Low:         c.Lows[i],
			Close:       c.Closes[i],
			Source:      f.Name(),
		}
		if i < len(c.Vols) {
			b.Volume = c.Vols[i]
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// FetchQuote derives a quote from the latest minute candle; finnhub does
// not expose forex bid/ask directly, so a category-typical spread is
// applied around the close.
func (f *Finnhub) FetchQuote(ctx context.Context, pair domain.Pair) (*domain.Quote, error) {
	bars, err := f.FetchBars(ctx, pair, domain.TFM1, 2)
	if err != nil {
		return nil, err
	}
	last := bars[len(bars)-1]

	pip := pair.PipSize()
	halfSpread := typicalSpreadPips(pair) * pip / 2
	return &domain.Quote{
		Pair:        pair.Symbol,
		Bid:         last.Close - halfSpread,
		Ask:         last.Close + halfSpread,
		TimestampMs: last.TimestampMs + tfCloseOffsetMs(domain.TFM1),
		Provider:    f.Name(),
	}, nil
}

func tfCloseOffsetMs(tf domain.Timeframe) int64 { return tf.PeriodSeconds() * 1000 }

func typicalSpreadPips(p domain.Pair) float64 {
	switch p.SpreadCategory() {
	case domain.SpreadMajors:
		return 1.2
	case domain.SpreadYen:
		return 1.6
	case domain.SpreadMinors:
		return 2.4
	default:
		return 3.0
	}
}
