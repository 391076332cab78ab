package quality

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/domain"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().BarCount, cfg.BarCount)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality.yaml")
	body := `
timeframes: [M15, H1]
bar_count: 96
cache_ttl: 2m
breaker_duration: 15m
spike_percent:
  M15: 0.6
spread:
  majors:
    caution: 1.8
    critical: 2.8
weekend_critical_pips: 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []domain.Timeframe{domain.TFM15, domain.TFH1}, cfg.Timeframes)
	assert.Equal(t, 96, cfg.BarCount)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.BreakerDuration)
	assert.InDelta(t, 0.6, cfg.SpikePercent[domain.TFM15], 1e-9)
	// untouched timeframes keep their defaults
	assert.InDelta(t, 0.9, cfg.SpikePercent[domain.TFH1], 1e-9)
	assert.InDelta(t, 2.8, cfg.Spread[domain.SpreadMajors].Critical, 1e-9)
	assert.InDelta(t, 3.5, cfg.Spread[domain.SpreadYen].Critical, 1e-9)
	assert.InDelta(t, 100, cfg.WeekendCriticalPips, 1e-9)
	// floor untouched
	assert.Equal(t, 2*time.Minute, cfg.BreakerFloor)
}

func TestLoadConfigRejectsBadTimeframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeframes: [M7]\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_ttl: soon\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
