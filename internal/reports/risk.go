package reports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/alerts"
	"github.com/meridianfx/meridian/internal/availability"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/risk"
)

const (
	defaultTopTrades = 5
	defaultLookback  = 200
)

// AccountSource is the trade-ledger view the reports read.
// *risk.Engine satisfies it.
type AccountSource interface {
	Snapshot() risk.Snapshot
	OpenTrades() []*domain.Trade
	ClosedTrades(limit int) []*domain.Trade
}

// HealthSource supplies fleet availability for the provider section.
// *availability.Monitor satisfies it.
type HealthSource interface {
	Stats() availability.Stats
}

// Publisher pushes finished reports onto the alert bus.
// *alerts.Bus satisfies it.
type Publisher interface {
	Publish(a alerts.Alert) alerts.Alert
}

// RiskReport is the daily account and exposure summary.
type RiskReport struct {
	Date         time.Time           `json:"date"`
	Account      risk.Snapshot       `json:"account"`
	Stats        TradeStats          `json:"stats"`
	Pairs        []PairPerformance   `json:"pairs,omitempty"`
	Open         []TradeLine         `json:"open,omitempty"`
	Top          []TradeLine         `json:"top,omitempty"`
	Bottom       []TradeLine         `json:"bottom,omitempty"`
	Availability *availability.Stats `json:"availability,omitempty"`
	ArtifactPath string              `json:"artifact_path,omitempty"`
}

// RiskReporterConfig tunes the daily risk report.
type RiskReporterConfig struct {
	// OutputDir receives the markdown artifact; empty keeps the report
	// bus-only.
	OutputDir string
	TopTrades int
	Lookback  int
}

// RiskReporter assembles and publishes the daily risk report.
type RiskReporter struct {
	cfg     RiskReporterConfig
	account AccountSource
	health  HealthSource
	bus     Publisher
	now     func() time.Time
}

func NewRiskReporter(cfg RiskReporterConfig, account AccountSource, bus Publisher) *RiskReporter {
	if cfg.TopTrades <= 0 {
		cfg.TopTrades = defaultTopTrades
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	return &RiskReporter{cfg: cfg, account: account, bus: bus, now: time.Now}
}

// SetHealthSource adds the provider availability section.
func (r *RiskReporter) SetHealthSource(h HealthSource) { r.health = h }

// SetClock overrides the time source for tests.
func (r *RiskReporter) SetClock(now func() time.Time) { r.now = now }

// Run assembles the report, writes the markdown artifact when an output
// directory is configured and publishes the summary on the bus. The
// artifact is best-effort: a write failure is logged and the report is
// still published.
func (r *RiskReporter) Run(ctx context.Context) (*RiskReport, error) {
	_ = ctx
	report := r.build()

	if r.cfg.OutputDir != "" {
		path := filepath.Join(r.cfg.OutputDir, "risk-"+report.Date.Format("2006-01-02")+".md")
		if err := r.writeMarkdown(path, report); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("risk report artifact not written")
		} else {
			report.ArtifactPath = path
		}
	}

	if r.bus != nil {
		r.bus.Publish(r.alert(report))
	}
	log.Info().Float64("balance", report.Account.Balance).Int("open_trades", report.Account.OpenTrades).
		Float64("daily_risk_used_pct", report.Account.DailyRiskUsedPct).Msg("daily risk report generated")
	return report, nil
}

func (r *RiskReporter) build() *RiskReport {
	closed := r.account.ClosedTrades(r.cfg.Lookback)
	top, bottom := topAndBottom(closed, r.cfg.TopTrades)
	report := &RiskReport{
		Date:    r.now().UTC(),
		Account: r.account.Snapshot(),
		Stats:   ComputeStats(closed),
		Pairs:   PerformanceByPair(closed),
		Open:    tradeLines(r.account.OpenTrades()),
		Top:     top,
		Bottom:  bottom,
	}
	if r.health != nil {
		st := r.health.Stats()
		report.Availability = &st
	}
	return report
}

func (r *RiskReporter) alert(report *RiskReport) alerts.Alert {
	severity := alerts.SeverityInfo
	if report.Account.KillSwitch.Engaged || report.Account.DailyRiskUsedPct >= report.Account.DailyRiskCapPct {
		severity = alerts.SeverityWarning
	}
	a := alerts.New(alerts.TopicReports, severity,
		fmt.Sprintf("daily risk report: balance %.2f, equity %.2f, %d open, daily risk %.1f%% of %.1f%%",
			report.Account.Balance, report.Account.Equity, report.Account.OpenTrades,
			report.Account.DailyRiskUsedPct, report.Account.DailyRiskCapPct))
	a.Subject = "Daily risk report " + report.Date.Format("2006-01-02")
	a.Channels = []string{alerts.ChannelLog, alerts.ChannelSlack}
	a.Context = map[string]any{
		"balance":             report.Account.Balance,
		"equity":              report.Account.Equity,
		"open_trades":         report.Account.OpenTrades,
		"daily_risk_used_pct": report.Account.DailyRiskUsedPct,
		"var95_pct":           report.Account.VaR95Pct,
		"win_rate_pct":        report.Stats.WinRate,
		"net_pnl":             report.Stats.NetPnL,
	}
	if report.ArtifactPath != "" {
		a.Context["artifact"] = report.ArtifactPath
	}
	return a
}

func (r *RiskReporter) writeMarkdown(path string, report *RiskReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# Daily Risk Report %s\n\n", report.Date.Format("2006-01-02"))

	fmt.Fprintf(f, "## Account\n\n")
	fmt.Fprintf(f, "- **Balance**: %.2f\n", report.Account.Balance)
	fmt.Fprintf(f, "- **Equity**: %.2f\n", report.Account.Equity)
	fmt.Fprintf(f, "- **Realized PnL**: %+.2f\n", report.Account.RealizedPnL)
	fmt.Fprintf(f, "- **Open Trades**: %d\n", report.Account.OpenTrades)
	fmt.Fprintf(f, "- **Daily Risk Used**: %.2f (%.1f%% of %.1f%% cap)\n",
		report.Account.DailyRiskUsed, report.Account.DailyRiskUsedPct, report.Account.DailyRiskCapPct)
	if report.Account.VaRSamples > 0 {
		fmt.Fprintf(f, "- **VaR 95%%**: %.2f%% (%d samples)\n", report.Account.VaR95Pct, report.Account.VaRSamples)
	}
	if report.Account.KillSwitch.Engaged {
		fmt.Fprintf(f, "- **Kill Switch**: ENGAGED (%s)\n", report.Account.KillSwitch.Reason)
	} else {
		fmt.Fprintf(f, "- **Kill Switch**: off\n")
	}
	fmt.Fprintf(f, "\n")

	if len(report.Account.Exposure) > 0 {
		fmt.Fprintf(f, "## Exposure by Currency\n\n")
		fmt.Fprintf(f, "| Currency | Committed Risk |\n|----------|----------------|\n")
		for _, ccy := range sortedKeys(report.Account.Exposure) {
			fmt.Fprintf(f, "| %s | %.2f |\n", ccy, report.Account.Exposure[ccy])
		}
		fmt.Fprintf(f, "\n")
	}

	fmt.Fprintf(f, "## Performance (last %d closed)\n\n", r.cfg.Lookback)
	fmt.Fprintf(f, "- **Trades**: %d (%d wins / %d losses)\n", report.Stats.Trades, report.Stats.Wins, report.Stats.Losses)
	fmt.Fprintf(f, "- **Win Rate**: %.1f%%\n", report.Stats.WinRate)
	fmt.Fprintf(f, "- **Net PnL**: %+.2f\n", report.Stats.NetPnL)
	fmt.Fprintf(f, "- **Profit Factor**: %.2f\n", report.Stats.ProfitFactor)
	fmt.Fprintf(f, "- **Expectancy**: %+.2f per trade\n\n", report.Stats.Expectancy)

	writeTradeTable(f, "Top Trades", report.Top)
	writeTradeTable(f, "Worst Trades", report.Bottom)
	writeTradeTable(f, "Open Positions", report.Open)

	if report.Availability != nil {
		av := report.Availability
		fmt.Fprintf(f, "## Provider Availability\n\n")
		fmt.Fprintf(f, "- **Current**: %s\n", av.Current)
		fmt.Fprintf(f, "- **Uptime**: %.2f%% (SLO %s)\n", av.UptimeRatio, av.SLO)
		fmt.Fprintf(f, "- **Degraded / Critical last hour**: %d / %d\n", av.DegradedLastHour, av.CriticalLastHour)
		if len(av.OpenBreakers) > 0 {
			fmt.Fprintf(f, "- **Open Breakers**: %s\n", strings.Join(av.OpenBreakers, ", "))
		}
		fmt.Fprintf(f, "\n")
	}

	fmt.Fprintf(f, "---\n*Generated at %s*\n", report.Date.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func writeTradeTable(f *os.File, title string, lines []TradeLine) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(f, "## %s\n\n", title)
	fmt.Fprintf(f, "| Ticket | Pair | Dir | Size | Entry | PnL | Reason |\n")
	fmt.Fprintf(f, "|--------|------|-----|------|-------|-----|--------|\n")
	for _, l := range lines {
		fmt.Fprintf(f, "| %s | %s | %s | %.2f | %.5f | %+.2f | %s |\n",
			l.ID, l.Pair, l.Direction, l.Size, l.Entry, l.PnL, l.Reason)
	}
	fmt.Fprintf(f, "\n")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
