package quality

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianfx/meridian/internal/domain"
)

// SpreadThresholds are the caution/critical spread cuts in pips for one
// pair category.
type SpreadThresholds struct {
	Caution  float64 `yaml:"caution"`
	Critical float64 `yaml:"critical"`
}

// Config tunes the guard.
type Config struct {
	Timeframes []domain.Timeframe
	BarCount   int

	CacheTTL        time.Duration
	BreakerDuration time.Duration
	BreakerFloor    time.Duration

	// SpikePercent is the bar-over-bar move that counts as a spike,
	// per timeframe, in percent.
	SpikePercent map[domain.Timeframe]float64

	// Spread maps pair category to pip thresholds.
	Spread map[domain.SpreadCategory]SpreadThresholds

	// Weekend gap classification cuts in pips.
	WeekendElevatedPips float64
	WeekendCriticalPips float64

	// ConfidenceFloorSpread is attached to reports with critical spread.
	ConfidenceFloorSpread float64
}

// DefaultConfig returns the desk calibration.
func DefaultConfig() Config {
	return Config{
		Timeframes:      []domain.Timeframe{domain.TFM15, domain.TFH1, domain.TFH4},
		BarCount:        64,
		CacheTTL:        5 * time.Minute,
		BreakerDuration: 10 * time.Minute,
		BreakerFloor:    2 * time.Minute,
		SpikePercent: map[domain.Timeframe]float64{
			domain.TFM15: 0.45,
			domain.TFH1:  0.90,
			domain.TFH4:  1.80,
		},
		Spread: map[domain.SpreadCategory]SpreadThresholds{
			domain.SpreadMajors:  {Caution: 2.0, Critical: 3.0},
			domain.SpreadYen:     {Caution: 2.5, Critical: 3.5},
			domain.SpreadMinors:  {Caution: 3.5, Critical: 5.0},
			domain.SpreadCrosses: {Caution: 4.5, Critical: 6.5},
		},
		WeekendElevatedPips:   30,
		WeekendCriticalPips:   80,
		ConfidenceFloorSpread: 65,
	}
}

// fileConfig is the yaml shape; durations are Go duration strings.
type fileConfig struct {
	Timeframes            []string                    `yaml:"timeframes"`
	BarCount              int                         `yaml:"bar_count"`
	CacheTTL              string                      `yaml:"cache_ttl"`
	BreakerDuration       string                      `yaml:"breaker_duration"`
	BreakerFloor          string                      `yaml:"breaker_floor"`
	SpikePercent          map[string]float64          `yaml:"spike_percent"`
	Spread                map[string]SpreadThresholds `yaml:"spread"`
	WeekendElevatedPips   float64                     `yaml:"weekend_elevated_pips"`
	WeekendCriticalPips   float64                     `yaml:"weekend_critical_pips"`
	ConfidenceFloorSpread float64                     `yaml:"confidence_floor_spread"`
}

// LoadConfig overlays a yaml file onto the defaults. A missing path is
// not an error; the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read quality config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse quality config: %w", err)
	}
	return cfg.apply(fc)
}

func (c Config) apply(fc fileConfig) (Config, error) {
	if len(fc.Timeframes) > 0 {
		tfs := make([]domain.Timeframe, 0, len(fc.Timeframes))
		for _, s := range fc.Timeframes {
			tf, err := domain.ParseTimeframe(s)
			if err != nil {
				return c, fmt.Errorf("quality config: %w", err)
			}
			tfs = append(tfs, tf)
		}
		c.Timeframes = tfs
	}
	if fc.BarCount > 0 {
		c.BarCount = fc.BarCount
	}
	var err error
	if c.CacheTTL, err = overlayDuration(c.CacheTTL, fc.CacheTTL); err != nil {
		return c, fmt.Errorf("quality config cache_ttl: %w", err)
	}
	if c.BreakerDuration, err = overlayDuration(c.BreakerDuration, fc.BreakerDuration); err != nil {
		return c, fmt.Errorf("quality config breaker_duration: %w", err)
	}
	if c.BreakerFloor, err = overlayDuration(c.BreakerFloor, fc.BreakerFloor); err != nil {
		return c, fmt.Errorf("quality config breaker_floor: %w", err)
	}
	for k, v := range fc.SpikePercent {
		tf, err := domain.ParseTimeframe(k)
		if err != nil {
			return c, fmt.Errorf("quality config spike_percent: %w", err)
		}
		c.SpikePercent[tf] = v
	}
	for k, v := range fc.Spread {
		c.Spread[domain.SpreadCategory(k)] = v
	}
	if fc.WeekendElevatedPips > 0 {
		c.WeekendElevatedPips = fc.WeekendElevatedPips
	}
	if fc.WeekendCriticalPips > 0 {
		c.WeekendCriticalPips = fc.WeekendCriticalPips
	}
	if fc.ConfidenceFloorSpread > 0 {
		c.ConfidenceFloorSpread = fc.ConfidenceFloorSpread
	}
	return c, nil
}

func overlayDuration(cur time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return cur, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return cur, err
	}
	return d, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Timeframes) == 0 {
		c.Timeframes = d.Timeframes
	}
	if c.BarCount <= 0 {
		c.BarCount = d.BarCount
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.BreakerDuration <= 0 {
		c.BreakerDuration = d.BreakerDuration
	}
	if c.BreakerFloor <= 0 {
		c.BreakerFloor = d.BreakerFloor
	}
	if len(c.SpikePercent) == 0 {
		c.SpikePercent = d.SpikePercent
	}
	if len(c.Spread) == 0 {
		c.Spread = d.Spread
	}
	if c.WeekendElevatedPips <= 0 {
		c.WeekendElevatedPips = d.WeekendElevatedPips
	}
	if c.WeekendCriticalPips <= 0 {
		c.WeekendCriticalPips = d.WeekendCriticalPips
	}
	if c.ConfidenceFloorSpread <= 0 {
		c.ConfidenceFloorSpread = d.ConfidenceFloorSpread
	}
	return c
}

// spikeThreshold returns the spike cut for tf, defaulting to the H1 cut
// for unconfigured timeframes.
func (c Config) spikeThreshold(tf domain.Timeframe) float64 {
	if v, ok := c.SpikePercent[tf]; ok && v > 0 {
		return v
	}
	if v, ok := DefaultConfig().SpikePercent[tf]; ok {
		return v
	}
	return 0.90
}

// spreadThresholds returns the pip cuts for the pair's category.
func (c Config) spreadThresholds(p domain.Pair) SpreadThresholds {
	if t, ok := c.Spread[p.SpreadCategory()]; ok {
		return t
	}
	return DefaultConfig().Spread[domain.SpreadCrosses]
}
