package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/meridianfx/meridian/internal/alerts"
	"github.com/meridianfx/meridian/internal/analysis/economic"
	"github.com/meridianfx/meridian/internal/analysis/news"
	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/availability"
	"github.com/meridianfx/meridian/internal/backtest"
	"github.com/meridianfx/meridian/internal/broker"
	"github.com/meridianfx/meridian/internal/cache"
	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/engine"
	"github.com/meridianfx/meridian/internal/features"
	httpapi "github.com/meridianfx/meridian/internal/interfaces/http"
	"github.com/meridianfx/meridian/internal/interfaces/ws"
	"github.com/meridianfx/meridian/internal/metrics"
	"github.com/meridianfx/meridian/internal/persistence"
	"github.com/meridianfx/meridian/internal/persistence/postgres"
	"github.com/meridianfx/meridian/internal/providers"
	"github.com/meridianfx/meridian/internal/providers/guard"
	"github.com/meridianfx/meridian/internal/quality"
	"github.com/meridianfx/meridian/internal/reports"
	"github.com/meridianfx/meridian/internal/risk"
	"github.com/meridianfx/meridian/internal/scheduler"
	"github.com/meridianfx/meridian/internal/scoring"
	"github.com/meridianfx/meridian/internal/signals"
)

// defaultQuotas are the free-tier daily request allowances; unlisted
// providers are unmetered.
var defaultQuotas = map[string]int{
	providers.NameTwelveData:   800,
	providers.NameAlphaVantage: 25,
}

// application is the wired platform. serve runs all of it; the one-shot
// subcommands build one and use the slice they need.
type application struct {
	cfg      *config.Config
	bus      *alerts.Bus
	store    persistence.Store
	registry *metrics.Registry

	fetcher  *providers.Fetcher
	source   *bookedSource
	tfBook   *availability.TimeframeBook
	monitor  *availability.Monitor
	guard    *quality.Guard
	riskEng  *risk.Engine
	router   *broker.Router // nil unless broker routing is enabled
	features *features.Store
	newsAn   *news.Analyzer

	coord     *engine.Coordinator
	trader    *engine.AutoTrader
	prefetch  *engine.Prefetcher
	reconcile *broker.Reconciler // nil without a router

	hub      *ws.Hub // nil unless websockets are enabled
	sched    *scheduler.Scheduler
	riskRep  *reports.RiskReporter
	digest   *reports.DigestWriter
	handlers *httpapi.Handlers
}

// bookedSource wraps the fetcher so every bar fetch lands in the
// timeframe book the availability classifier reads.
type bookedSource struct {
	fetcher *providers.Fetcher
	book    *availability.TimeframeBook
}

func (s *bookedSource) FetchBars(ctx context.Context, pair domain.Pair, tf domain.Timeframe, count int, opts providers.FetchOptions) ([]domain.Bar, error) {
	bars, err := s.fetcher.FetchBars(ctx, pair, tf, count, opts)
	s.book.Record(tf, err == nil)
	return bars, err
}

func (s *bookedSource) FetchQuote(ctx context.Context, pair domain.Pair, opts providers.FetchOptions) (*domain.Quote, error) {
	return s.fetcher.FetchQuote(ctx, pair, opts)
}

// newApplication wires the platform from configuration. base outlives
// requests; the auto-trader and broadcast paths bind to it.
func newApplication(base context.Context, cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg}

	app.registry = metrics.NewRegistry()
	app.bus = alerts.NewBus(256)
	app.wireNotifiers()
	app.store = openStore(cfg)

	c := cache.New(cfg.RedisAddr)

	// Provider fleet.
	registry := providerRegistry(cfg.Providers)
	order := activeOrder(cfg.Providers)
	tracker := providers.NewTracker(defaultQuotas)
	fcfg := providers.DefaultFetcherConfig()
	fcfg.AllowSynthetic = cfg.AllowSyntheticData
	fcfg.RequireRealtime = cfg.RequireRealtimeData
	fcfg.QuoteMaxAge = cfg.QuoteMaxAge
	app.fetcher = providers.NewFetcher(order, registry, guard.NewManager(nil), tracker, c, fcfg, app.registry)

	app.tfBook = availability.NewTimeframeBook()
	app.source = &bookedSource{fetcher: app.fetcher, book: app.tfBook}

	// Data quality guard.
	qcfg, err := quality.LoadConfig(filepath.Join(configPath, "quality.yaml"))
	if err != nil {
		log.Warn().Err(err).Msg("quality config unreadable, using defaults")
		qcfg = quality.DefaultConfig()
	}
	app.guard = quality.NewGuard(app.source, qcfg)

	// Risk engine doubles as the trade book and account source.
	app.riskEng = risk.NewEngine(riskConfig(cfg.Risk), nil)

	// Analyzers.
	tech := technical.NewAnalyzer(app.source, technical.DefaultConfig(), c)
	econ := economic.NewAnalyzer(
		economic.NewHTTPSource(cfg.Analysis.MacroAPIKey, cfg.Analysis.MacroBaseURL), c, 0)
	app.newsAn = news.NewAnalyzer(
		news.NewHTTPHeadlineSource(cfg.Analysis.NewsAPIKey, cfg.Analysis.NewsBaseURL),
		sentimentSources(cfg.Analysis), c, 0)

	app.features = features.NewStore(0, 0)

	var validator engine.BacktestGate
	if cfg.Backtest.Enabled {
		validator = backtest.NewValidator(app.source, backtestConfig(cfg.Backtest))
	}

	// Websocket hub.
	if cfg.Flags.Websockets {
		app.hub = ws.NewHub()
		app.hub.SetCountHook(func(n int) { app.registry.WSClients.Set(float64(n)) })
	}

	// Broker routing.
	if cfg.Brokers.RoutingEnabled {
		app.router = buildRouter(cfg, app.riskEng)
		app.router.SetObserver(app.registry)
		if app.hub != nil {
			app.router.SetEventSink(app.hub.Broadcast)
		}
		app.reconcile = broker.NewReconciler(app.router, app.riskEng)
		app.reconcile.SetDriftSink(app.onTradeDrift)
	}

	// Coordinator.
	deps := engine.Deps{
		Quotes:    app.fetcher,
		Technical: tech,
		Economic:  econ,
		News:      app.newsAn,
		Guard:     app.guard,
		Combiner:  signals.NewCombiner(scoring.NewScorer(scoring.DefaultConfig()), signals.DefaultConfig()),
		Risk:      app.riskEng,
		Features:  app.features,
		Validator: validator,
		Bus:       app.bus,
		Metrics:   app.registry,
	}
	if app.router != nil {
		deps.Router = app.router
	}
	if app.hub != nil {
		deps.Broadcast = app.hub.Broadcast
	}
	app.coord = engine.NewCoordinator(deps, engine.Config{EAOnlyMode: cfg.EAOnlyMode})

	// Auto-trader; without routing it still scans and broadcasts.
	var closer engine.PositionCloser
	if app.router != nil {
		closer = app.router
	}
	app.trader = engine.NewAutoTrader(app.coord, closer, app.riskEng, engine.TraderConfig{
		Interval:      cfg.AutoTrade.Interval,
		Pairs:         cfg.AutoTrade.Pairs,
		MaxConcurrent: cfg.AutoTrade.MaxConcurrent,
		Broker:        cfg.Brokers.Default,
	})

	app.prefetch = engine.NewPrefetcher(app.source, tradePairs(cfg.AutoTrade.Pairs),
		technical.DefaultConfig().Timeframes, technical.DefaultConfig().BarCount)

	// Availability classification.
	app.monitor = availability.NewMonitor(app.collectAvailability, 0)
	app.monitor.OnTransition(app.onAvailabilityTransition)

	// Reports.
	app.riskRep = reports.NewRiskReporter(reports.RiskReporterConfig{
		OutputDir: cfg.Digests.OutputDir,
	}, app.riskEng, app.bus)
	app.riskRep.SetHealthSource(app.monitor)
	app.digest = reports.NewDigestWriter(reports.DigestConfig{
		OutputDir: cfg.Digests.OutputDir,
		PDF:       true,
	}, app.riskEng, app.bus)

	app.wireSinks()

	app.sched = scheduler.New()
	if err := app.registerJobs(cfg); err != nil {
		return nil, err
	}

	// REST handler set; Server itself is built by serve.
	hdeps := httpapi.Deps{
		Runner:       app.coord,
		Trader:       app.trader,
		Fleet:        app.fetcher,
		Availability: app.monitor,
		Timeframes:   app.tfBook,
		Metrics:      app.registry,
		Store:        app.store,
		Scheduler:    app.sched,
		Config:       cfg,
		Base:         base,
	}
	if app.router != nil {
		hdeps.Bridge = app.router
	}
	if app.hub != nil {
		hdeps.WS = app.hub.Handler()
	}
	app.handlers = httpapi.NewHandlers(hdeps)

	return app, nil
}

// close releases long-lived resources in reverse dependency order.
func (a *application) close() {
	a.sched.Stop()
	if a.trader.Running() {
		if err := a.trader.Disable(); err != nil {
			log.Debug().Err(err).Msg("auto-trader disable on shutdown")
		}
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		log.Debug().Err(err).Msg("store close")
	}
}

// wireNotifiers attaches the configured alert channels to the bus.
func (a *application) wireNotifiers() {
	d := alerts.NewDispatcher()
	ac := a.cfg.Alerts
	if ac.SlackWebhookURL != "" {
		d.Register(alerts.NewSlackSender(ac.SlackWebhookURL))
	}
	if ac.WebhookURL != "" {
		d.Register(alerts.NewWebhookSender(ac.WebhookURL))
	}
	if ac.EmailGatewayURL != "" {
		d.Register(alerts.NewEmailSender(ac.EmailGatewayURL, ac.EmailFrom, ac.EmailTo))
	}
	a.bus.Subscribe("notifiers", d.Handler())
}

// wireSinks points the fire-and-forget persistence hooks at the store.
// A disabled store keeps the hooks off entirely.
func (a *application) wireSinks() {
	if !a.store.Enabled() {
		return
	}
	store := a.store

	a.guard.SetSink(func(ctx context.Context, r *quality.Report) error {
		store.RecordQualityMetric(ctx, persistence.QualityMetric{
			Pair:           r.Pair,
			CapturedAt:     r.GeneratedAt,
			Score:          r.Score,
			Status:         string(r.Status),
			Recommendation: string(r.Recommendation),
			SpreadPips:     r.SpreadPips,
			SpreadStatus:   string(r.SpreadStatus),
			WeekendGap:     string(r.WeekendGap),
			BreakerActive:  r.BreakerActive,
			Issues:         r.Issues,
		})
		return nil
	})

	a.features.SetSink(func(ctx context.Context, rec features.Record) error {
		store.RecordFeatureSnapshot(ctx, persistence.FeatureSnapshot{
			Pair:       rec.Pair,
			Timeframe:  string(rec.Timeframe),
			CapturedAt: time.UnixMilli(rec.TimestampMs).UTC(),
			Hash:       rec.Hash,
			Features:   rec.Values,
		})
		return nil
	})

	a.monitor.SetSink(func(ctx context.Context, s availability.Sample) error {
		store.RecordAvailabilitySample(ctx, persistence.AvailabilitySample{
			CapturedAt:            s.Timestamp,
			State:                 string(s.Status),
			AggregateQuality:      s.AggregateQuality,
			BlockedProviderRatio:  s.BlockedProviderRatio,
			BlockedTimeframeRatio: s.BlockedTimeframeRatio,
			OpenBreakers:          s.OpenBreakers,
		})
		return nil
	})

	a.newsAn.SetSink(func(ctx context.Context, items []domain.NewsItem) error {
		events := make([]persistence.NewsEvent, 0, len(items))
		for _, it := range items {
			events = append(events, persistence.NewsEvent{
				ID:                   it.ID,
				Headline:             it.Headline,
				Source:               it.Source,
				PublishedAt:          it.PublishedAt,
				Currencies:           it.Currencies,
				Type:                 it.Classification.Type,
				Impact:               string(it.Classification.ImpactLevel),
				Timing:               string(it.Classification.Timing),
				VolatilityMultiplier: it.Classification.VolatilityMultiplier,
			})
		}
		store.RecordNewsItems(ctx, events)
		return nil
	})
}

// collectAvailability builds one fleet observation for the classifier.
func (a *application) collectAvailability() availability.Inputs {
	states := a.fetcher.Guards().States()
	ledger := a.fetcher.Guards().Ledger()
	tracker := a.fetcher.Tracker()

	in := availability.Inputs{TotalProviders: len(a.fetcher.Providers())}
	var qualitySum float64
	for _, name := range a.fetcher.Providers() {
		blocked := false
		if st, ok := states[name]; ok && st != gobreaker.StateClosed {
			blocked = true
			in.OpenBreakers = append(in.OpenBreakers, name)
		}
		if ledger.InBackoff(name) {
			blocked = true
		}
		if blocked {
			in.BlockedProviders++
		}
		qualitySum += tracker.Quality(name)
	}
	if in.TotalProviders > 0 {
		in.AggregateQuality = qualitySum / float64(in.TotalProviders)
	}
	in.BlockedTimeframes, in.TotalTimeframes = a.tfBook.Counts()
	return in
}

// onAvailabilityTransition publishes fleet state changes to operators.
func (a *application) onAvailabilityTransition(prev, next availability.Sample) {
	a.registry.SetAvailability(string(next.Status))
	if a.hub != nil {
		a.hub.Broadcast("provider_availability", map[string]any{
			"previous": prev.Status,
			"current":  next.Status,
			"sample":   next,
		})
	}
	severity := alerts.SeverityWarning
	switch next.Status {
	case availability.StatusCritical:
		severity = alerts.SeverityError
	case availability.StatusOperational:
		severity = alerts.SeverityInfo
	}
	alert := alerts.New(alerts.TopicAvailability, severity,
		fmt.Sprintf("provider availability %s -> %s", prev.Status, next.Status))
	alert.Context = map[string]any{"sample": next}
	a.bus.Publish(alert)
}

// onTradeDrift turns a reconciliation finding into an operator alert.
func (a *application) onTradeDrift(ev broker.DriftEvent) {
	alert := alerts.New(broker.TopicTradeDrift, alerts.SeverityWarning,
		fmt.Sprintf("broker %s drifted: %d booked trade(s) missing, %d orphan position(s)",
			ev.Broker, len(ev.Missing), len(ev.Orphans)))
	alert.Context = map[string]any{"event": ev}
	a.bus.Publish(alert)
}

// registerJobs installs the built-in schedule, then applies the optional
// scheduler.yaml overrides.
func (a *application) registerJobs(cfg *config.Config) error {
	type job struct {
		name, schedule, desc string
		fn                   scheduler.JobFunc
		enabled              bool
	}

	jobs := []job{
		{
			name:     scheduler.JobAvailability,
			schedule: scheduler.ScheduleAvailability,
			desc:     "classify provider fleet availability",
			fn: func(ctx context.Context) error {
				sample := a.monitor.Tick(ctx)
				a.registry.SetAvailability(string(sample.Status))
				return nil
			},
			enabled: true,
		},
		{
			name:     scheduler.JobFeaturePurge,
			schedule: scheduler.ScheduleFeaturePurge,
			desc:     "drop expired feature vectors",
			fn: func(context.Context) error {
				a.features.PurgeExpired()
				a.registry.FeatureRecords.Set(float64(a.features.SnapshotSummary().Entries))
				return nil
			},
			enabled: true,
		},
		{
			name:     scheduler.JobProviderMetrics,
			schedule: scheduler.ScheduleProviderMetrics,
			desc:     "persist provider rolling metrics",
			fn:       a.flushProviderMetrics,
			enabled:  a.store.Enabled(),
		},
		{
			name:     scheduler.JobReconcile,
			schedule: scheduler.ScheduleReconcile,
			desc:     "diff trade book against broker positions",
			fn: func(ctx context.Context) error {
				_, err := a.reconcile.Run(ctx)
				return err
			},
			enabled: a.reconcile != nil,
		},
		{
			name:     scheduler.JobPrefetch,
			schedule: scheduler.SchedulePrefetch,
			desc:     "warm bar cache for scan pairs",
			fn:       a.prefetch.Run,
			enabled:  cfg.Flags.PrefetchScheduler,
		},
		{
			name:     scheduler.JobRiskReport,
			schedule: fmt.Sprintf("0 %d * * *", cfg.Digests.RiskReportHourUTC),
			desc:     "daily risk report",
			fn: func(ctx context.Context) error {
				_, err := a.riskRep.Run(ctx)
				return err
			},
			enabled: cfg.Flags.RiskReports,
		},
		{
			name:     scheduler.JobDigest,
			schedule: fmt.Sprintf("0 %d * * *", cfg.Digests.PerformanceHourUTC),
			desc:     "daily performance digest",
			fn: func(ctx context.Context) error {
				_, err := a.digest.Run(ctx)
				return err
			},
			enabled: cfg.Flags.PerformanceDigests,
		},
	}

	for _, j := range jobs {
		if !j.enabled {
			continue
		}
		if err := a.sched.Register(j.name, j.schedule, j.desc, j.fn); err != nil {
			return err
		}
	}

	scfg, err := scheduler.LoadConfig(filepath.Join(configPath, "scheduler.yaml"))
	if err != nil {
		log.Warn().Err(err).Msg("scheduler config unreadable, keeping defaults")
		return nil
	}
	if err := a.sched.ApplyConfig(scfg); err != nil {
		log.Warn().Err(err).Msg("scheduler overrides rejected, keeping defaults")
	}
	return nil
}

// flushProviderMetrics persists one rolling snapshot per provider.
func (a *application) flushProviderMetrics(ctx context.Context) error {
	now := time.Now().UTC()
	for _, s := range a.fetcher.Snapshots() {
		a.store.RecordProviderMetric(ctx, persistence.ProviderMetric{
			Provider:          s.Provider,
			CapturedAt:        now,
			Success:           s.Success,
			Failed:            s.Failed,
			RateLimited:       s.RateLimited,
			AvgLatencyMs:      s.AvgLatencyMs,
			SuccessRatePct:    s.SuccessRatePct,
			QualityScore:      s.QualityScore,
			NormalizedQuality: s.NormalizedQuality,
			BreakerState:      s.CircuitBreakerState,
			RemainingQuota:    s.RemainingQuota,
			BackoffSeconds:    s.BackoffSeconds,
		})
	}
	return nil
}

// openStore connects Postgres when configured; anything else gets the
// no-op store so the platform runs signal-only.
func openStore(cfg *config.Config) persistence.Store {
	if !cfg.DB.Configured() {
		log.Info().Msg("database not configured, persistence disabled")
		return persistence.NewNoop()
	}
	store, err := postgres.Open(postgres.Config{
		DSN:          cfg.DB.DSN(),
		MaxOpenConns: cfg.DB.PoolMax,
		MaxIdleConns: cfg.DB.PoolMin,
	})
	if err != nil {
		log.Warn().Err(err).Msg("database unreachable, persistence disabled")
		return persistence.NewNoop()
	}
	log.Info().Str("host", cfg.DB.Host).Str("db", cfg.DB.Name).Msg("database connected")
	return store
}

// providerRegistry builds every vendor adapter; unconfigured ones stay
// registered and report !IsConfigured so the fetcher skips them.
func providerRegistry(pc config.ProvidersConfig) map[string]providers.Provider {
	return map[string]providers.Provider{
		providers.NameTwelveData:   providers.NewTwelveData(pc.TwelveDataKey),
		providers.NameFinnhub:      providers.NewFinnhub(pc.FinnhubKey),
		providers.NamePolygon:      providers.NewPolygon(pc.PolygonKey),
		providers.NameAlphaVantage: providers.NewAlphaVantage(pc.AlphaVantageKey),
	}
}

// activeOrder drops administratively disabled providers from the
// preference list.
func activeOrder(pc config.ProvidersConfig) []string {
	disabled := make(map[string]bool, len(pc.Disabled))
	for _, name := range pc.Disabled {
		disabled[name] = true
	}
	out := make([]string, 0, len(pc.Order))
	for _, name := range pc.Order {
		if !disabled[name] {
			out = append(out, name)
		}
	}
	return out
}

func sentimentSources(ac config.AnalysisConfig) []news.SentimentSource {
	if ac.SentimentBaseURL == "" {
		return nil
	}
	kinds := []news.SentimentKind{news.KindSocial, news.KindCOT, news.KindOptionsFlow}
	out := make([]news.SentimentSource, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, news.NewSentimentSource(kind, ac.SentimentAPIKey,
			ac.SentimentBaseURL+"/"+string(kind)))
	}
	return out
}

func buildRouter(cfg *config.Config, book *risk.Engine) *broker.Router {
	r := broker.NewRouter(broker.RouterConfig{
		DefaultBroker: cfg.Brokers.Default,
		SignalsOnly:   cfg.TradingScope == config.ScopeSignals,
	}, book.KillSwitch())
	r.SetTradeBook(book)

	bc := cfg.Brokers
	if bc.MT4.Enabled {
		r.Register(broker.NewBridge(broker.BridgeConfig{
			ID: "mt4", BaseURL: bc.MT4.BaseURL, Token: bc.MT4.Token, Enabled: true,
		}))
	}
	if bc.MT5.Enabled {
		r.Register(broker.NewBridge(broker.BridgeConfig{
			ID: "mt5", BaseURL: bc.MT5.BaseURL, Token: bc.MT5.Token, Enabled: true,
		}))
	}
	if bc.OANDA.Enabled {
		r.Register(broker.NewOanda(broker.OandaConfig{
			BaseURL: bc.OANDA.BaseURL, Token: bc.OANDA.Token,
			AccountID: bc.OANDA.AccountID, Enabled: true,
		}))
	}
	if bc.IBKR.Enabled {
		r.Register(broker.NewIBKR(broker.IBKRConfig{
			BaseURL: bc.IBKR.BaseURL, AccountID: bc.IBKR.AccountID, Enabled: true,
		}))
	}
	if bc.PaperEnabled {
		r.Register(broker.NewPaper(cfg.Risk.AccountBalance))
	}
	return r
}

func riskConfig(rc config.RiskConfig) risk.Config {
	return risk.Config{
		AccountBalance:  rc.AccountBalance,
		AccountRiskPct:  rc.AccountRiskPct,
		MaxDailyRiskPct: rc.DailyRiskLimitPct,
		MaxExposurePct:  rc.MaxCurrencyExposurePct,
		ClusterLimit:    rc.MaxPerCluster,
		VaRWindowDays:   rc.VaRLookbackDays,
		VaRLimitPct:     rc.VaRLimitPct,
	}
}

func backtestConfig(bc config.LiveBacktestConfig) backtest.Config {
	return backtest.Config{
		LookbackDays:  bc.LookbackDays,
		MaxBars:       bc.MaxBars,
		Stride:        bc.StrideBars,
		HoldBars:      bc.HoldBars,
		DefaultTPPips: bc.TakeProfitPips,
		DefaultSLPips: bc.StopLossPips,
		Thresholds: backtest.Thresholds{
			MinTrades:        bc.MinTrades,
			MinWinRate:       bc.MinWinRate,
			MinProfitFactor:  bc.MinProfitFactor,
			MaxDrawdownPct:   bc.MaxDrawdownPct,
			MinExpectancyPct: bc.MinExpectancyPct,
		},
	}
}

// tradePairs parses the configured scan list, dropping unparseable
// entries with a warning.
func tradePairs(symbols []string) []domain.Pair {
	out := make([]domain.Pair, 0, len(symbols))
	for _, s := range symbols {
		p, err := domain.ParsePair(s)
		if err != nil {
			log.Warn().Str("pair", s).Err(err).Msg("skipping unparseable scan pair")
			continue
		}
		out = append(out, p)
	}
	return out
}
