package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meridianfx/meridian/internal/domain"
)

const (
	defaultCallTimeout = 15 * time.Second

	// unitsPerLot converts between lots and base-currency units.
	unitsPerLot = 100000
)

func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &http.Client{Timeout: timeout}
}

// httpJSON performs one JSON call against a connector back-end, encoding
// in when non-nil and decoding into out when non-nil. Non-2xx statuses
// become errors carrying the body's error message.
func httpJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage pulls a human-readable reason out of a JSON error body,
// falling back to the trimmed body itself.
func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"errorMessage"`
		Reject  string `json:"rejectReason"`
	}
	if json.Unmarshal(raw, &e) == nil {
		switch {
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		case e.Reject != "":
			return e.Reject
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "no body"
	}
	return s
}

// priceString formats a price at the pair's native precision: one digit
// past the pip.
func priceString(pair domain.Pair, v float64) string {
	decimals := 5
	switch pair.PipSize() {
	case 0.01:
		decimals = 3
	case 0.1:
		decimals = 2
	case 1.0:
		decimals = 1
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// slippagePips measures fill distance from the requested price; zero
// when either side is unknown.
func slippagePips(symbol string, requested, fill float64) float64 {
	if requested <= 0 || fill <= 0 {
		return 0
	}
	pair, err := domain.ParsePair(symbol)
	if err != nil {
		return 0
	}
	return math.Abs(fill-requested) / pair.PipSize()
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
