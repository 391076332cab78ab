package economic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// StaticSource serves a baked macro table so development and tests work
// without a data vendor key. Values approximate mid-2025 prints and only
// matter relative to each other.
type StaticSource struct {
	table map[string][]Indicator
}

// NewStaticSource builds the fallback source.
func NewStaticSource() *StaticSource {
	capturedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(gdp, cpi, rate, unemp, retail, pmi float64) []Indicator {
		return []Indicator{
			{Kind: IndGDPGrowth, Value: gdp, CapturedAt: capturedAt},
			{Kind: IndInflation, Value: cpi, CapturedAt: capturedAt},
			{Kind: IndInterestRate, Value: rate, CapturedAt: capturedAt},
			{Kind: IndUnemployment, Value: unemp, CapturedAt: capturedAt},
			{Kind: IndRetailSales, Value: retail, CapturedAt: capturedAt},
			{Kind: IndManufacturing, Value: pmi, CapturedAt: capturedAt},
		}
	}
	return &StaticSource{table: map[string][]Indicator{
		"USD": mk(2.4, 2.9, 4.50, 4.1, 2.8, 51.2),
		"EUR": mk(0.9, 2.2, 2.25, 6.3, 1.1, 48.4),
		"GBP": mk(1.1, 3.1, 4.25, 4.4, 1.6, 49.8),
		"JPY": mk(0.6, 2.6, 0.50, 2.5, 0.9, 50.1),
		"CHF": mk(1.3, 1.1, 0.25, 2.3, 1.2, 49.0),
		"AUD": mk(1.8, 3.4, 3.85, 4.0, 2.1, 50.6),
		"CAD": mk(1.5, 2.5, 2.75, 6.1, 1.8, 49.5),
		"NZD": mk(1.0, 2.9, 3.25, 4.9, 1.3, 48.9),
	}}
}

func (s *StaticSource) Name() string       { return "static" }
func (s *StaticSource) IsConfigured() bool { return true }

// FetchIndicators returns the baked set; unknown currencies get a flat
// neutral profile rather than an error so exotic crosses still score.
func (s *StaticSource) FetchIndicators(_ context.Context, currency string) ([]Indicator, error) {
	if indicators, ok := s.table[currency]; ok {
		out := make([]Indicator, len(indicators))
		copy(out, indicators)
		return out, nil
	}
	neutral := NewStaticSource().table["USD"]
	out := make([]Indicator, len(neutral))
	for i, ind := range neutral {
		ind.Value = neutralValue(ind.Kind)
		out[i] = ind
	}
	return out, nil
}

func neutralValue(kind IndicatorKind) float64 {
	switch kind {
	case IndGDPGrowth:
		return 2.0
	case IndInflation:
		return 2.0
	case IndInterestRate:
		return 2.5
	case IndUnemployment:
		return 5.0
	case IndRetailSales:
		return 0.0
	case IndManufacturing:
		return 50.0
	}
	return 0
}

// seriesPath maps an indicator kind to the vendor series identifier,
// templated with the currency code.
var seriesPath = map[IndicatorKind]string{
	IndGDPGrowth:     "gdp_growth",
	IndInflation:     "cpi_yoy",
	IndInterestRate:  "policy_rate",
	IndUnemployment:  "unemployment_rate",
	IndRetailSales:   "retail_sales_yoy",
	IndManufacturing: "manufacturing_pmi",
}

// HTTPSource fetches macro series from a FRED-style JSON API keyed by
// currency and series name.
type HTTPSource struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds the adapter; an empty key leaves it unconfigured.
func NewHTTPSource(apiKey, baseURL string) *HTTPSource {
	if baseURL == "" {
		baseURL = "https://api.stlouisfed.org/fred"
	}
	return &HTTPSource{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPSource) Name() string       { return "macro-http" }
func (h *HTTPSource) IsConfigured() bool { return h.apiKey != "" }

type macroObservation struct {
	Series       string  `json:"series"`
	Value        float64 `json:"value"`
	Previous     float64 `json:"previous"`
	Period       string  `json:"period"`
	ObservedUnix int64   `json:"observed_unix"`
}

type macroResponse struct {
	Currency     string             `json:"currency"`
	Observations []macroObservation `json:"observations"`
	Error        string             `json:"error,omitempty"`
}

// FetchIndicators pulls the full indicator set for one currency in a
// single request.
func (h *HTTPSource) FetchIndicators(ctx context.Context, currency string) ([]Indicator, error) {
	q := url.Values{}
	q.Set("currency", currency)
	q.Set("api_key", h.apiKey)
	for _, series := range seriesPath {
		q.Add("series", series)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/observations?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build macro request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("macro request %s: %w", currency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("macro request %s: status %d", currency, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("macro response %s: %w", currency, err)
	}
	var mr macroResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("decode macro response %s: %w", currency, err)
	}
	if mr.Error != "" {
		return nil, fmt.Errorf("macro response %s: %s", currency, mr.Error)
	}

	byName := make(map[string]IndicatorKind, len(seriesPath))
	for kind, series := range seriesPath {
		byName[series] = kind
	}
	out := make([]Indicator, 0, len(mr.Observations))
	for _, obs := range mr.Observations {
		kind, ok := byName[obs.Series]
		if !ok {
			continue
		}
		out = append(out, Indicator{
			Kind:       kind,
			Value:      obs.Value,
			Previous:   obs.Previous,
			Period:     obs.Period,
			CapturedAt: time.Unix(obs.ObservedUnix, 0).UTC(),
		})
	}
	return out, nil
}
