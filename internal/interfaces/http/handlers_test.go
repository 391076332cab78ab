package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/availability"
	"github.com/meridianfx/meridian/internal/broker"
	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/engine"
	"github.com/meridianfx/meridian/internal/metrics"
	"github.com/meridianfx/meridian/internal/persistence"
	"github.com/meridianfx/meridian/internal/providers"
)

type stubRunner struct {
	pair domain.Pair
	opts engine.Options
	out  *engine.Outcome
}

func (s *stubRunner) GenerateSignal(_ context.Context, pair domain.Pair, opts engine.Options) *engine.Outcome {
	s.pair = pair
	s.opts = opts
	if s.out != nil {
		return s.out
	}
	return &engine.Outcome{Signal: domain.NeutralSignal(pair.Symbol, time.Now().UnixMilli(), "stub")}
}

type stubTrader struct {
	running    bool
	cfg        engine.TraderConfig
	enableErr  error
	disableErr error
	enableCtx  context.Context
	update     engine.ConfigUpdate
	updateErr  error
	closeRes   engine.CloseAllResult
}

func (s *stubTrader) Enable(ctx context.Context) error {
	s.enableCtx = ctx
	if s.enableErr != nil {
		return s.enableErr
	}
	s.running = true
	return nil
}

func (s *stubTrader) Disable() error {
	if s.disableErr != nil {
		return s.disableErr
	}
	s.running = false
	return nil
}

func (s *stubTrader) Running() bool               { return s.running }
func (s *stubTrader) Config() engine.TraderConfig { return s.cfg }

func (s *stubTrader) UpdateConfig(u engine.ConfigUpdate) (engine.TraderConfig, error) {
	s.update = u
	if s.updateErr != nil {
		return engine.TraderConfig{}, s.updateErr
	}
	return s.cfg, nil
}

func (s *stubTrader) CloseAll(context.Context) engine.CloseAllResult { return s.closeRes }

type stubBridge struct {
	statuses  []broker.Status
	quotes    []domain.Quote
	quotesErr error
	positions []broker.Position
	account   *broker.AccountInfo
	gotBroker string
	gotMaxAge time.Duration
}

func (s *stubBridge) Statuses(context.Context) []broker.Status { return s.statuses }

func (s *stubBridge) BridgeQuotes(_ context.Context, brokerID string, maxAge time.Duration) ([]domain.Quote, error) {
	s.gotBroker = brokerID
	s.gotMaxAge = maxAge
	return s.quotes, s.quotesErr
}

func (s *stubBridge) Positions(_ context.Context, brokerID string) ([]broker.Position, error) {
	s.gotBroker = brokerID
	return s.positions, nil
}

func (s *stubBridge) AccountInfo(_ context.Context, brokerID string) (*broker.AccountInfo, error) {
	s.gotBroker = brokerID
	return s.account, nil
}

type stubFleet struct {
	names   []string
	tracker *providers.Tracker
}

func (s *stubFleet) Providers() []string         { return s.names }
func (s *stubFleet) Tracker() *providers.Tracker { return s.tracker }

// startServer builds the full router so tests exercise middleware and
// route wiring, not bare handlers.
func startServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0 // probe only; httptest owns the real listener
	s, err := NewServer(cfg, NewHandlers(deps))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	return res.StatusCode, decoded, res.Header
}

func healthyMonitor(t *testing.T) *availability.Monitor {
	t.Helper()
	m := availability.NewMonitor(func() availability.Inputs {
		return availability.Inputs{TotalProviders: 4, TotalTimeframes: 8, AggregateQuality: 90}
	}, 16)
	m.Tick(context.Background())
	return m
}

func criticalMonitor(t *testing.T) *availability.Monitor {
	t.Helper()
	m := availability.NewMonitor(func() availability.Inputs {
		return availability.Inputs{TotalProviders: 4, BlockedProviders: 4, TotalTimeframes: 8, AggregateQuality: 10}
	}, 16)
	m.Tick(context.Background())
	return m
}

func TestHealthzReportsModuleStates(t *testing.T) {
	trader := &stubTrader{running: true}
	bridge := &stubBridge{statuses: []broker.Status{
		{ID: "mt5", Enabled: true, Connected: true},
		{ID: "oanda", Enabled: true, Connected: false},
	}}
	srv := startServer(t, Deps{
		Trader:       trader,
		Bridge:       bridge,
		Availability: healthyMonitor(t),
		Store:        persistence.NewNoop(),
		Config:       &config.Config{RequireRealtimeData: true},
		WS:           http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
	})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "operational", body["status"])
	assert.Equal(t, true, body["requireRealTime"])

	states := map[string]string{}
	for _, raw := range body["modules"].([]any) {
		mod := raw.(map[string]any)
		states[mod["id"].(string)] = mod["state"].(string)
	}
	assert.Equal(t, "up", states["providers"])
	assert.Equal(t, "disabled", states["database"])
	assert.Equal(t, "up", states["websocket"])
	assert.Equal(t, "up", states["broker_routing"])
	assert.Equal(t, "up", states["auto_trader"])
	assert.Equal(t, "disabled", states["scheduler"])
}

func TestHealthzCriticalFleetReturns503(t *testing.T) {
	srv := startServer(t, Deps{Availability: criticalMonitor(t)})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "critical", body["status"])
}

func TestGenerateSignalNormalizesPairAndDefaults(t *testing.T) {
	runner := &stubRunner{}
	srv := startServer(t, Deps{Runner: runner})

	status, body, _ := doJSON(t, http.MethodPost, srv.URL+"/api/signal/generate",
		map[string]any{"pair": "eurusd", "analysisMode": "full"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["signal"])
	assert.NotNil(t, body["timestamp"])

	assert.Equal(t, "EURUSD", runner.pair.Symbol)
	assert.True(t, runner.opts.Broadcast)
	assert.True(t, runner.opts.NoCache)
	assert.False(t, runner.opts.EAOnly)
}

func TestGenerateSignalHonorsBroadcastAndBroker(t *testing.T) {
	runner := &stubRunner{}
	srv := startServer(t, Deps{Runner: runner})

	off := false
	status, _, _ := doJSON(t, http.MethodPost, srv.URL+"/api/signal/generate",
		map[string]any{"pair": "GBPUSD", "broker": "mt5", "broadcast": off, "eaOnly": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "mt5", runner.opts.Broker)
	assert.False(t, runner.opts.Broadcast)
	assert.True(t, runner.opts.EAOnly)
}

func TestGenerateSignalInvalidPairRejected(t *testing.T) {
	srv := startServer(t, Deps{Runner: &stubRunner{}})

	status, body, _ := doJSON(t, http.MethodPost, srv.URL+"/api/signal/generate",
		map[string]any{"pair": "EUR$USD"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid pair", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestGenerateSignalUnknownFieldRejected(t *testing.T) {
	srv := startServer(t, Deps{Runner: &stubRunner{}})

	status, body, _ := doJSON(t, http.MethodPost, srv.URL+"/api/signal/generate",
		map[string]any{"pair": "EURUSD", "symbol": "EURUSD"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

func TestGenerateSignalMissingBodyRejected(t *testing.T) {
	srv := startServer(t, Deps{Runner: &stubRunner{}})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/signal/generate", bytes.NewReader(nil))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAutoTraderLifecycle(t *testing.T) {
	trader := &stubTrader{cfg: engine.TraderConfig{
		Interval:      5 * time.Minute,
		Pairs:         []string{"EURUSD"},
		MaxConcurrent: 3,
	}}
	srv := startServer(t, Deps{Trader: trader})

	status, body, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auto-trader/enable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["running"])
	assert.NotNil(t, body["config"])
	require.True(t, trader.running)

	trader.enableErr = engine.ErrAlreadyRunning
	status, body, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auto-trader/enable", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, body["success"])

	status, body, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auto-trader/disable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["running"])
	assert.False(t, trader.running)
}

func TestAutoTraderEnableBindsApplicationContext(t *testing.T) {
	type baseKey struct{}
	base := context.WithValue(context.Background(), baseKey{}, "app")
	trader := &stubTrader{}
	srv := startServer(t, Deps{Trader: trader, Base: base})

	status, _, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auto-trader/enable", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "app", trader.enableCtx.Value(baseKey{}))
}

func TestAutoTraderConfigUpdatePassesThrough(t *testing.T) {
	trader := &stubTrader{cfg: engine.TraderConfig{Interval: time.Minute}}
	srv := startServer(t, Deps{Trader: trader})

	status, body, _ := doJSON(t, http.MethodPut, srv.URL+"/api/auto-trader/config",
		map[string]any{"intervalMs": 60000, "pairs": []string{"EURUSD", "GBPUSD"}, "maxConcurrent": 2})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	require.NotNil(t, trader.update.Interval)
	assert.Equal(t, time.Minute, *trader.update.Interval)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, trader.update.Pairs)
	require.NotNil(t, trader.update.MaxConcurrent)
	assert.Equal(t, 2, *trader.update.MaxConcurrent)
}

func TestAutoTraderConfigValidation(t *testing.T) {
	srv := startServer(t, Deps{Trader: &stubTrader{}})

	status, body, _ := doJSON(t, http.MethodPut, srv.URL+"/api/auto-trader/config",
		map[string]any{"intervalMs": 500})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid config", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestAutoTraderConfigDomainErrorSurfaces(t *testing.T) {
	trader := &stubTrader{updateErr: errors.New("auto-trader: pair XXXYYY: parse pair: unknown currency")}
	srv := startServer(t, Deps{Trader: trader})

	status, body, _ := doJSON(t, http.MethodPut, srv.URL+"/api/auto-trader/config",
		map[string]any{"pairs": []string{"XXXYYY"}})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid config", body["error"])
}

func TestAutoTraderCloseAll(t *testing.T) {
	trader := &stubTrader{closeRes: engine.CloseAllResult{Closed: 2, Failed: 1, Errors: []string{"T-3: bridge timeout"}}}
	srv := startServer(t, Deps{Trader: trader})

	status, body, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auto-trader/close-all", nil)
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(2), result["closed"])
	assert.Equal(t, float64(1), result["failed"])
}

func TestAutoTraderEndpointsWithoutTrader(t *testing.T) {
	srv := startServer(t, Deps{})

	for _, path := range []string{"/api/auto-trader/enable", "/api/auto-trader/disable", "/api/auto-trader/close-all"} {
		status, body, _ := doJSON(t, http.MethodPost, srv.URL+path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, status, path)
		assert.Equal(t, false, body["success"], path)
	}
}

func TestBridgeQuotesParsesMaxAge(t *testing.T) {
	bridge := &stubBridge{quotes: []domain.Quote{{Pair: "EURUSD", Bid: 1.0849, Ask: 1.0851}}}
	srv := startServer(t, Deps{Bridge: bridge})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/market/quotes?maxAgeMs=2000", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "mt5", bridge.gotBroker)
	assert.Equal(t, 2*time.Second, bridge.gotMaxAge)
	assert.Equal(t, "mt5", body["broker"])
	assert.Equal(t, float64(1), body["count"])
}

func TestBridgeQuotesRejectsBadMaxAge(t *testing.T) {
	srv := startServer(t, Deps{Bridge: &stubBridge{}})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/market/quotes?maxAgeMs=soon", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid maxAgeMs", body["error"])
}

func TestBridgeErrorsMapToBadGateway(t *testing.T) {
	bridge := &stubBridge{quotesErr: errors.New("mt5 bridge: connection refused")}
	srv := startServer(t, Deps{Bridge: bridge})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/market/quotes", nil)
	require.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["error"], "connection refused")
}

func TestBridgePositionsAndAccount(t *testing.T) {
	bridge := &stubBridge{
		positions: []broker.Position{{Ticket: "T-1", Pair: "EURUSD", Direction: domain.DirectionBuy, Volume: 0.1}},
		account:   &broker.AccountInfo{Broker: "mt5", Balance: 10000, Equity: 10050, Currency: "USD"},
	}
	srv := startServer(t, Deps{Bridge: bridge})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/positions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body, _ = doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/account", nil)
	require.Equal(t, http.StatusOK, status)
	account := body["account"].(map[string]any)
	assert.Equal(t, float64(10050), account["equity"])
}

func TestBridgeEndpointsWithoutRouting(t *testing.T) {
	srv := startServer(t, Deps{})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/broker/bridge/mt5/market/quotes", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "broker routing disabled", body["error"])
}

func TestProvidersHealthEchoesFleetState(t *testing.T) {
	tracker := providers.NewTracker(map[string]int{"twelvedata": 800})
	tracker.RecordSuccess("twelvedata", 120*time.Millisecond)
	tracker.RecordFailure("finnhub", false)

	book := availability.NewTimeframeBook()
	book.Record(domain.TFM15, true)
	book.Record(domain.TFH1, false)

	srv := startServer(t, Deps{
		Fleet:        &stubFleet{names: []string{"twelvedata", "finnhub"}, tracker: tracker},
		Availability: healthyMonitor(t),
		Timeframes:   book,
	})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/health/providers?timeframes=M15,H1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["providers"], 2)
	assert.Equal(t, "operational", body["classification"])
	assert.Equal(t, float64(historyLimit), body["historyLimit"])
	assert.NotEmpty(t, body["history"])

	tfs := body["timeframes"].([]any)
	require.Len(t, tfs, 2)
	first := tfs[0].(map[string]any)
	assert.Equal(t, "M15", first["timeframe"])
	assert.Equal(t, "ok", first["state"])
	second := tfs[1].(map[string]any)
	assert.Equal(t, "blocked", second["state"])
}

func TestProvidersHealthRejectsUnknownTimeframe(t *testing.T) {
	srv := startServer(t, Deps{Availability: healthyMonitor(t)})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/health/providers?timeframes=M15,Q3", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid timeframes", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestRuntimeHealthReportsConfigAndCounters(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SignalEmitted("EURUSD", "BUY")
	srv := startServer(t, Deps{
		Metrics: reg,
		Config:  &config.Config{Environment: "production", Port: 9000, TradingScope: config.ScopeExecution},
	})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/health/runtime", nil)
	require.Equal(t, http.StatusOK, status)
	runtime := body["runtime"].(map[string]any)
	assert.Equal(t, "production", runtime["environment"])
	assert.Equal(t, float64(9000), runtime["server"].(map[string]any)["port"])
	assert.Equal(t, "execution", runtime["tradingScope"].(map[string]any)["mode"])
	assert.NotNil(t, runtime["counters"])
}

func TestMetricsEndpointsServeScrapeText(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SignalEmitted("EURUSD", "BUY")
	srv := startServer(t, Deps{Metrics: reg})

	for _, path := range []string{"/metrics", "/api/metrics"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		raw, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Contains(t, string(raw), "meridian_signals_total", path)
	}
}

func TestNotFoundKeepsEnvelope(t *testing.T) {
	srv := startServer(t, Deps{})

	status, body, _ := doJSON(t, http.MethodGet, srv.URL+"/api/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv := startServer(t, Deps{Availability: healthyMonitor(t)})

	_, _, header := doJSON(t, http.MethodGet, srv.URL+"/api/healthz", nil)
	assert.Len(t, header.Get("X-Request-ID"), 8)
}

func TestCORSAdmitsLocalhostOnly(t *testing.T) {
	srv := startServer(t, Deps{Availability: healthyMonitor(t)})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "http://localhost:5173", res.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}
