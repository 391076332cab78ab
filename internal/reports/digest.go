package reports

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	texttemplate "text/template"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/alerts"
	"github.com/meridianfx/meridian/internal/risk"
)

// Digest is the daily performance artifact set.
type Digest struct {
	Date      time.Time         `json:"date"`
	Account   risk.Snapshot     `json:"account"`
	Stats     TradeStats        `json:"stats"`
	Pairs     []PairPerformance `json:"pairs,omitempty"`
	Top       []TradeLine       `json:"top_trades,omitempty"`
	Bottom    []TradeLine       `json:"worst_trades,omitempty"`
	Open      []TradeLine       `json:"open,omitempty"`
	Artifacts map[string]string `json:"artifacts"`
}

// DigestConfig tunes the performance digest job.
type DigestConfig struct {
	// OutputDir is the digest root; artifacts land in a per-day
	// subdirectory.
	OutputDir string
	// PDF additionally renders the minimal PDF artifact.
	PDF       bool
	TopTrades int
	Lookback  int
}

// DigestWriter renders the daily performance digest as HTML and text
// (plus an optional PDF) and publishes the artifact paths.
type DigestWriter struct {
	cfg     DigestConfig
	account AccountSource
	bus     Publisher
	now     func() time.Time

	htmlTpl *template.Template
	textTpl *texttemplate.Template
}

func NewDigestWriter(cfg DigestConfig, account AccountSource, bus Publisher) *DigestWriter {
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join("reports", "digests")
	}
	if cfg.TopTrades <= 0 {
		cfg.TopTrades = defaultTopTrades
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	return &DigestWriter{
		cfg:     cfg,
		account: account,
		bus:     bus,
		now:     time.Now,
		htmlTpl: template.Must(template.New("digest").Funcs(template.FuncMap{"pnlClass": pnlClass}).Parse(digestHTML)),
		textTpl: texttemplate.Must(texttemplate.New("digest").Parse(digestText)),
	}
}

// SetClock overrides the time source for tests.
func (w *DigestWriter) SetClock(now func() time.Time) { w.now = now }

// Run renders the digest under OutputDir/YYYY-MM-DD/ and publishes the
// artifact paths. HTML and text are required artifacts; the PDF is
// best-effort.
func (w *DigestWriter) Run(ctx context.Context) (*Digest, error) {
	_ = ctx
	d := w.build()

	dir := filepath.Join(w.cfg.OutputDir, d.Date.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("digest dir: %w", err)
	}

	htmlPath := filepath.Join(dir, "digest.html")
	if err := w.renderFile(htmlPath, func(f *os.File) error { return w.htmlTpl.Execute(f, d) }); err != nil {
		return nil, fmt.Errorf("digest html: %w", err)
	}
	d.Artifacts["html"] = htmlPath

	textPath := filepath.Join(dir, "digest.txt")
	if err := w.renderFile(textPath, func(f *os.File) error { return w.textTpl.Execute(f, d) }); err != nil {
		return nil, fmt.Errorf("digest text: %w", err)
	}
	d.Artifacts["text"] = textPath

	if w.cfg.PDF {
		pdfPath := filepath.Join(dir, "digest.pdf")
		if err := writeDigestPDF(pdfPath, d); err != nil {
			log.Warn().Err(err).Str("path", pdfPath).Msg("digest pdf not written")
		} else {
			d.Artifacts["pdf"] = pdfPath
		}
	}

	if w.bus != nil {
		w.bus.Publish(w.alert(d))
	}
	log.Info().Str("dir", dir).Int("trades", d.Stats.Trades).Float64("net_pnl", d.Stats.NetPnL).
		Msg("performance digest written")
	return d, nil
}

func (w *DigestWriter) build() *Digest {
	closed := w.account.ClosedTrades(w.cfg.Lookback)
	top, bottom := topAndBottom(closed, w.cfg.TopTrades)
	return &Digest{
		Date:      w.now().UTC(),
		Account:   w.account.Snapshot(),
		Stats:     ComputeStats(closed),
		Pairs:     PerformanceByPair(closed),
		Top:       top,
		Bottom:    bottom,
		Open:      tradeLines(w.account.OpenTrades()),
		Artifacts: make(map[string]string),
	}
}

func (w *DigestWriter) alert(d *Digest) alerts.Alert {
	a := alerts.New(alerts.TopicReports, alerts.SeverityInfo,
		fmt.Sprintf("performance digest: %d trades, win rate %.1f%%, net %+.2f",
			d.Stats.Trades, d.Stats.WinRate, d.Stats.NetPnL))
	a.Subject = "Performance digest " + d.Date.Format("2006-01-02")
	a.Channels = []string{alerts.ChannelLog, alerts.ChannelEmail}
	ctx := make(map[string]any, len(d.Artifacts)+2)
	for kind, path := range d.Artifacts {
		ctx[kind] = path
	}
	ctx["trades"] = d.Stats.Trades
	ctx["net_pnl"] = d.Stats.NetPnL
	a.Context = ctx
	return a
}

func (w *DigestWriter) renderFile(path string, render func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeDigestPDF renders the one-page summary. Core fonts only.
func writeDigestPDF(path string, d *Digest) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Performance Digest "+d.Date.Format("2006-01-02"))
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range []string{
		fmt.Sprintf("Balance %.2f / Equity %.2f", d.Account.Balance, d.Account.Equity),
		fmt.Sprintf("Closed trades %d, win rate %.1f%%, profit factor %.2f", d.Stats.Trades, d.Stats.WinRate, d.Stats.ProfitFactor),
		fmt.Sprintf("Net PnL %+.2f, expectancy %+.2f per trade", d.Stats.NetPnL, d.Stats.Expectancy),
		fmt.Sprintf("Open positions %d", len(d.Open)),
	} {
		pdf.Cell(0, 7, line)
		pdf.Ln(7)
	}
	pdf.Ln(4)

	if len(d.Pairs) > 0 {
		pdf.SetFont("Helvetica", "B", 11)
		for _, h := range []string{"Pair", "Trades", "Win %", "Net PnL"} {
			pdf.CellFormat(35, 8, h, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 10)
		for _, p := range d.Pairs {
			pdf.CellFormat(35, 7, p.Pair, "1", 0, "L", false, 0, "")
			pdf.CellFormat(35, 7, fmt.Sprintf("%d", p.Trades), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 7, fmt.Sprintf("%.1f", p.WinRate), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 7, fmt.Sprintf("%+.2f", p.NetPnL), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
	}
	return pdf.OutputFileAndClose(path)
}

func pnlClass(v float64) string {
	if v < 0 {
		return "neg"
	}
	return "pos"
}

const digestHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Performance Digest {{.Date.Format "2006-01-02"}}</title>
<style>
body { font-family: "Segoe UI", Arial, sans-serif; margin: 2em; color: #1a1a2e; }
h1 { border-bottom: 2px solid #0f3460; padding-bottom: 0.3em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: right; }
th { background: #0f3460; color: #fff; }
td:first-child, th:first-child { text-align: left; }
.neg { color: #c0392b; }
.pos { color: #27ae60; }
</style>
</head>
<body>
<h1>Performance Digest {{.Date.Format "2006-01-02"}}</h1>

<h2>Account</h2>
<ul>
<li>Balance {{printf "%.2f" .Account.Balance}}, equity {{printf "%.2f" .Account.Equity}}</li>
<li>Realized PnL <span class="{{pnlClass .Account.RealizedPnL}}">{{printf "%+.2f" .Account.RealizedPnL}}</span></li>
<li>Daily risk used {{printf "%.1f" .Account.DailyRiskUsedPct}}% of {{printf "%.1f" .Account.DailyRiskCapPct}}% cap</li>
{{if .Account.KillSwitch.Engaged}}<li><strong>Kill switch engaged: {{.Account.KillSwitch.Reason}}</strong></li>{{end}}
</ul>

<h2>Closed Trades</h2>
<ul>
<li>{{.Stats.Trades}} trades, {{.Stats.Wins}} wins / {{.Stats.Losses}} losses ({{printf "%.1f" .Stats.WinRate}}%)</li>
<li>Net PnL <span class="{{pnlClass .Stats.NetPnL}}">{{printf "%+.2f" .Stats.NetPnL}}</span>, profit factor {{printf "%.2f" .Stats.ProfitFactor}}</li>
<li>Expectancy {{printf "%+.2f" .Stats.Expectancy}} per trade</li>
</ul>

{{if .Pairs}}
<h2>By Pair</h2>
<table>
<tr><th>Pair</th><th>Trades</th><th>Win %</th><th>Net PnL</th></tr>
{{range .Pairs}}<tr><td>{{.Pair}}</td><td>{{.Trades}}</td><td>{{printf "%.1f" .WinRate}}</td><td class="{{pnlClass .NetPnL}}">{{printf "%+.2f" .NetPnL}}</td></tr>
{{end}}</table>
{{end}}

{{if .Top}}
<h2>Top Trades</h2>
<table>
<tr><th>Ticket</th><th>Pair</th><th>Dir</th><th>Size</th><th>PnL</th><th>Reason</th></tr>
{{range .Top}}<tr><td>{{.ID}}</td><td>{{.Pair}}</td><td>{{.Direction}}</td><td>{{printf "%.2f" .Size}}</td><td class="{{pnlClass .PnL}}">{{printf "%+.2f" .PnL}}</td><td>{{.Reason}}</td></tr>
{{end}}</table>
{{end}}

{{if .Bottom}}
<h2>Worst Trades</h2>
<table>
<tr><th>Ticket</th><th>Pair</th><th>Dir</th><th>Size</th><th>PnL</th><th>Reason</th></tr>
{{range .Bottom}}<tr><td>{{.ID}}</td><td>{{.Pair}}</td><td>{{.Direction}}</td><td>{{printf "%.2f" .Size}}</td><td class="{{pnlClass .PnL}}">{{printf "%+.2f" .PnL}}</td><td>{{.Reason}}</td></tr>
{{end}}</table>
{{end}}

{{if .Open}}
<h2>Open Positions</h2>
<table>
<tr><th>Ticket</th><th>Pair</th><th>Dir</th><th>Size</th><th>Entry</th><th>Mark PnL</th></tr>
{{range .Open}}<tr><td>{{.ID}}</td><td>{{.Pair}}</td><td>{{.Direction}}</td><td>{{printf "%.2f" .Size}}</td><td>{{printf "%.5f" .Entry}}</td><td class="{{pnlClass .PnL}}">{{printf "%+.2f" .PnL}}</td></tr>
{{end}}</table>
{{end}}

<p><em>Generated at {{.Date.Format "2006-01-02 15:04:05 MST"}}</em></p>
</body>
</html>
`

const digestText = `PERFORMANCE DIGEST {{.Date.Format "2006-01-02"}}

Account
  balance {{printf "%.2f" .Account.Balance}}  equity {{printf "%.2f" .Account.Equity}}  realized {{printf "%+.2f" .Account.RealizedPnL}}
  daily risk used {{printf "%.1f" .Account.DailyRiskUsedPct}}% of {{printf "%.1f" .Account.DailyRiskCapPct}}% cap
{{- if .Account.KillSwitch.Engaged}}
  KILL SWITCH ENGAGED: {{.Account.KillSwitch.Reason}}
{{- end}}

Closed trades
  {{.Stats.Trades}} trades  {{.Stats.Wins}}W/{{.Stats.Losses}}L  win rate {{printf "%.1f" .Stats.WinRate}}%
  net {{printf "%+.2f" .Stats.NetPnL}}  profit factor {{printf "%.2f" .Stats.ProfitFactor}}  expectancy {{printf "%+.2f" .Stats.Expectancy}}
{{- if .Pairs}}

By pair
{{- range .Pairs}}
  {{printf "%-8s" .Pair}} {{printf "%3d" .Trades}} trades  {{printf "%5.1f" .WinRate}}%  {{printf "%+.2f" .NetPnL}}
{{- end}}
{{- end}}
{{- if .Open}}

Open positions
{{- range .Open}}
  {{.ID}} {{.Pair}} {{.Direction}} {{printf "%.2f" .Size}} @ {{printf "%.5f" .Entry}} mark {{printf "%+.2f" .PnL}}
{{- end}}
{{- end}}
`
