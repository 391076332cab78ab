// Package providers implements the market data fan-out: vendor adapters,
// per-provider rolling metrics and the quality-ordered fetcher with
// synthetic fallback.
package providers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"context"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers/guard"
)

// Canonical provider names used in configuration, metrics and routing.
const (
	NameTwelveData   = "twelveData"
	NameFinnhub      = "finnhub"
	NamePolygon      = "polygon"
	NameAlphaVantage = "alphaVantage"
)

// Provider is one market data vendor.
type Provider interface {
	Name() string
	IsConfigured() bool
	FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int) ([]domain.Bar, error)
	FetchQuote(ctx context.Context, pair domain.Pair) (*domain.Quote, error)
}

// defaultHTTPClient bounds vendor calls independent of per-request contexts.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// httpGetJSON performs a GET and returns the body, mapping non-2xx
// statuses to typed provider errors with Retry-After extracted.
func httpGetJSON(ctx context.Context, client *http.Client, provider, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &guard.ProviderError{Provider: provider, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &guard.ProviderError{Provider: provider, Message: "read body: " + err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	perr := &guard.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Retryable:  retryableStatus(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	return nil, perr
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
