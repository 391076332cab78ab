package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// AssetClass buckets a tradable symbol by market.
type AssetClass string

const (
	AssetForex  AssetClass = "forex"
	AssetMetal  AssetClass = "metal"
	AssetIndex  AssetClass = "index"
	AssetCrypto AssetClass = "crypto"
)

// SpreadCategory groups pairs for spread-threshold lookups.
type SpreadCategory string

const (
	SpreadMajors  SpreadCategory = "majors"
	SpreadYen     SpreadCategory = "yen"
	SpreadMinors  SpreadCategory = "minors"
	SpreadCrosses SpreadCategory = "crosses"
)

// Pair is an upper-case symbol such as EURUSD or XAUUSD.
type Pair struct {
	Symbol string     `json:"symbol"`
	Base   string     `json:"base"`
	Quote  string     `json:"quote"`
	Class  AssetClass `json:"class"`
}

var pairPattern = regexp.MustCompile(`^[A-Z0-9]{6,10}$`)

var majorBases = map[string]bool{
	"EURUSD": true, "GBPUSD": true, "USDCHF": true,
	"AUDUSD": true, "USDCAD": true, "NZDUSD": true,
}

var metalBases = map[string]bool{"XAU": true, "XAG": true, "XPT": true, "XPD": true}

var cryptoBases = map[string]bool{"BTC": true, "ETH": true, "LTC": true, "XRP": true, "SOL": true}

var indexSymbols = map[string]bool{
	"US30": true, "SPX500": true, "NAS100": true, "GER40": true, "UK100": true, "JPN225": true,
}

// ParsePair validates and decomposes a symbol. Base and quote are extracted
// lexically: the last three characters are the quote currency for six-letter
// symbols and known metal/crypto pairs.
func ParsePair(symbol string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	if s == "" {
		return Pair{}, fmt.Errorf("parse pair: empty symbol")
	}
	if !pairPattern.MatchString(s) {
		return Pair{}, fmt.Errorf("parse pair: invalid symbol %q", symbol)
	}
	if indexSymbols[s] {
		return Pair{Symbol: s, Base: s, Quote: "USD", Class: AssetIndex}, nil
	}
	if len(s) != 6 {
		return Pair{}, fmt.Errorf("parse pair: unrecognized symbol %q", symbol)
	}
	base, quote := s[:3], s[3:]
	cls := AssetForex
	switch {
	case metalBases[base]:
		cls = AssetMetal
	case cryptoBases[base]:
		cls = AssetCrypto
	}
	return Pair{Symbol: s, Base: base, Quote: quote, Class: cls}, nil
}

// MustPair is a test and fixture helper; it panics on invalid symbols.
func MustPair(symbol string) Pair {
	p, err := ParsePair(symbol)
	if err != nil {
		panic(err)
	}
	return p
}

// PipSize returns the minimum quoted increment treated as one pip.
// JPY-quoted pairs use 0.01, gold 0.1, everything else 0.0001.
func (p Pair) PipSize() float64 {
	switch {
	case p.Quote == "JPY":
		return 0.01
	case p.Base == "XAU":
		return 0.1
	case p.Base == "XAG":
		return 0.01
	case p.Class == AssetIndex:
		return 1.0
	default:
		return 0.0001
	}
}

// SpreadCategory classifies the pair for spread-threshold selection.
func (p Pair) SpreadCategory() SpreadCategory {
	switch {
	case p.Quote == "JPY" || p.Base == "JPY":
		return SpreadYen
	case majorBases[p.Symbol]:
		return SpreadMajors
	case p.Base == "USD" || p.Quote == "USD":
		return SpreadMinors
	default:
		return SpreadCrosses
	}
}

// Currencies returns the distinct currencies the pair exposes.
func (p Pair) Currencies() []string {
	if p.Base == p.Quote {
		return []string{p.Base}
	}
	return []string{p.Base, p.Quote}
}

func (p Pair) String() string { return p.Symbol }
