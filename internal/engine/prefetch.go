package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

// BarSource fetches historical bars. *providers.Fetcher satisfies it.
type BarSource interface {
	FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts providers.FetchOptions) ([]domain.Bar, error)
}

// Prefetcher warms the bar caches for a pair/timeframe grid so that the
// first live generation of a session does not pay cold-provider latency.
type Prefetcher struct {
	src        BarSource
	pairs      []domain.Pair
	timeframes []domain.Timeframe
	count      int
}

// NewPrefetcher builds a warmer over the given grid. Empty timeframes
// default to the full supported set; count defaults to 100 bars.
func NewPrefetcher(src BarSource, pairs []domain.Pair, timeframes []domain.Timeframe, count int) *Prefetcher {
	if len(timeframes) == 0 {
		timeframes = domain.AllTimeframes()
	}
	if count <= 0 {
		count = 100
	}
	if count > providers.MaxBarCount {
		count = providers.MaxBarCount
	}
	return &Prefetcher{src: src, pairs: pairs, timeframes: timeframes, count: count}
}

// Run walks the grid once. Individual fetch failures are logged and
// counted; Run errors only when every cell failed, so a single cold
// provider never aborts the sweep.
func (p *Prefetcher) Run(ctx context.Context) error {
	if p.src == nil || len(p.pairs) == 0 {
		return nil
	}
	var ok, failed int
	for _, pair := range p.pairs {
		for _, tf := range p.timeframes {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := p.src.FetchBars(ctx, pair, tf, p.count, providers.FetchOptions{
				Purpose: "prefetch",
			})
			if err != nil {
				failed++
				log.Debug().Err(err).Str("pair", pair.Symbol).Str("timeframe", string(tf)).
					Msg("prefetch cell failed")
				continue
			}
			ok++
		}
	}
	log.Debug().Int("warmed", ok).Int("failed", failed).Msg("prefetch sweep finished")
	if ok == 0 && failed > 0 {
		return fmt.Errorf("prefetch: all %d cells failed", failed)
	}
	return nil
}
