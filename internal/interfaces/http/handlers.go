package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/meridianfx/meridian/internal/availability"
	"github.com/meridianfx/meridian/internal/broker"
	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/engine"
	"github.com/meridianfx/meridian/internal/metrics"
	"github.com/meridianfx/meridian/internal/persistence"
	"github.com/meridianfx/meridian/internal/providers"
	"github.com/meridianfx/meridian/internal/scheduler"
)

// historyLimit bounds the availability history echoed by the providers
// health endpoint.
const historyLimit = 100

// SignalRunner generates one signal. *engine.Coordinator satisfies it.
type SignalRunner interface {
	GenerateSignal(ctx context.Context, pair domain.Pair, opts engine.Options) *engine.Outcome
}

// Trader is the auto-trader control surface. *engine.AutoTrader
// satisfies it.
type Trader interface {
	Enable(ctx context.Context) error
	Disable() error
	Running() bool
	Config() engine.TraderConfig
	UpdateConfig(engine.ConfigUpdate) (engine.TraderConfig, error)
	CloseAll(ctx context.Context) engine.CloseAllResult
}

// Bridge reads broker-side state. *broker.Router satisfies it.
type Bridge interface {
	Statuses(ctx context.Context) []broker.Status
	BridgeQuotes(ctx context.Context, brokerID string, maxAge time.Duration) ([]domain.Quote, error)
	Positions(ctx context.Context, brokerID string) ([]broker.Position, error)
	AccountInfo(ctx context.Context, brokerID string) (*broker.AccountInfo, error)
}

// ProviderFleet names the configured providers and exposes their
// rolling metrics. *providers.Fetcher satisfies it.
type ProviderFleet interface {
	Providers() []string
	Tracker() *providers.Tracker
}

// Deps wires the handler set. Trader, Bridge, Store, Scheduler and WS
// may be nil; the affected endpoints then report the feature disabled.
type Deps struct {
	Runner       SignalRunner
	Trader       Trader
	Bridge       Bridge
	Fleet        ProviderFleet
	Availability *availability.Monitor
	Timeframes   *availability.TimeframeBook
	Metrics      *metrics.Registry
	Store        persistence.Store
	Scheduler    *scheduler.Scheduler
	Config       *config.Config
	WS           http.Handler
	// Base outlives requests; the auto-trader loop binds to it rather
	// than to the request that enabled it.
	Base context.Context
}

// Handlers serves the REST surface.
type Handlers struct {
	deps    Deps
	started time.Time
	now     func() time.Time
}

// NewHandlers builds the handler set.
func NewHandlers(deps Deps) *Handlers {
	if deps.Base == nil {
		deps.Base = context.Background()
	}
	return &Handlers{deps: deps, started: time.Now(), now: time.Now}
}

// Healthz is the liveness/readiness summary: per-module states and a
// 503 when the provider fleet is critical.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	type module struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Detail string `json:"detail,omitempty"`
	}

	fleet := availability.StatusUnknown
	if h.deps.Availability != nil {
		fleet = h.deps.Availability.Current()
	}
	providersState := "up"
	switch fleet {
	case availability.StatusDegraded:
		providersState = "degraded"
	case availability.StatusCritical:
		providersState = "down"
	case availability.StatusUnknown:
		providersState = "unknown"
	}

	modules := []module{{ID: "providers", State: providersState, Detail: string(fleet)}}

	switch store := h.deps.Store.(type) {
	case nil, *persistence.Noop:
		modules = append(modules, module{ID: "database", State: "disabled", Detail: "not configured"})
	default:
		if store.Enabled() {
			modules = append(modules, module{ID: "database", State: "up"})
		} else {
			modules = append(modules, module{ID: "database", State: "down", Detail: "writes disabled until restart"})
		}
	}

	if h.deps.WS == nil {
		modules = append(modules, module{ID: "websocket", State: "disabled"})
	} else {
		modules = append(modules, module{ID: "websocket", State: "up"})
	}

	switch {
	case h.deps.Bridge == nil:
		modules = append(modules, module{ID: "broker_routing", State: "disabled"})
	default:
		connected := 0
		for _, st := range h.deps.Bridge.Statuses(r.Context()) {
			if st.Connected {
				connected++
			}
		}
		state := "degraded"
		detail := "no connected brokers"
		if connected > 0 {
			state, detail = "up", strconv.Itoa(connected)+" connected"
		}
		modules = append(modules, module{ID: "broker_routing", State: state, Detail: detail})
	}

	if h.deps.Trader == nil {
		modules = append(modules, module{ID: "auto_trader", State: "disabled"})
	} else if h.deps.Trader.Running() {
		modules = append(modules, module{ID: "auto_trader", State: "up"})
	} else {
		modules = append(modules, module{ID: "auto_trader", State: "idle"})
	}

	if h.deps.Scheduler == nil {
		modules = append(modules, module{ID: "scheduler", State: "disabled"})
	} else if h.deps.Scheduler.Status().Running {
		modules = append(modules, module{ID: "scheduler", State: "up"})
	} else {
		modules = append(modules, module{ID: "scheduler", State: "idle"})
	}

	ok := fleet != availability.StatusCritical
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":              ok,
		"status":          string(fleet),
		"requireRealTime": h.deps.Config != nil && h.deps.Config.RequireRealtimeData,
		"modules":         modules,
		"uptimeSeconds":   int64(h.now().Sub(h.started).Seconds()),
	})
}

// ProvidersHealth reports per-provider rolling metrics, per-timeframe
// fetch state and the fleet classification with recent history.
func (h *Handlers) ProvidersHealth(w http.ResponseWriter, r *http.Request) {
	tfs := domain.AllTimeframes()
	if raw := r.URL.Query().Get("timeframes"); raw != "" {
		parsed, details, err := parseTimeframesCSV(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timeframes", details)
			return
		}
		tfs = parsed
	}

	snapshots := []providers.MetricSnapshot{}
	if h.deps.Fleet != nil {
		tracker := h.deps.Fleet.Tracker()
		for _, name := range h.deps.Fleet.Providers() {
			snapshots = append(snapshots, tracker.Snapshot(name))
		}
	}

	classification := availability.StatusUnknown
	var history []availability.Sample
	if h.deps.Availability != nil {
		classification = h.deps.Availability.Current()
		history = h.deps.Availability.History(historyLimit)
	}

	var tfStates []availability.TimeframeState
	if h.deps.Timeframes != nil {
		tfStates = h.deps.Timeframes.States(tfs)
	}

	writeOK(w, map[string]any{
		"providers":      snapshots,
		"timeframes":     tfStates,
		"classification": classification,
		"history":        history,
		"historyLimit":   historyLimit,
	})
}

// RuntimeHealth reports process-level counters and configuration.
func (h *Handlers) RuntimeHealth(w http.ResponseWriter, _ *http.Request) {
	runtime := map[string]any{
		"environment":   "",
		"server":        map[string]any{"port": 0},
		"tradingScope":  map[string]any{"mode": ""},
		"uptimeSeconds": int64(h.now().Sub(h.started).Seconds()),
	}
	if cfg := h.deps.Config; cfg != nil {
		runtime["environment"] = cfg.Environment
		runtime["server"] = map[string]any{"port": cfg.Port}
		runtime["tradingScope"] = map[string]any{"mode": cfg.TradingScope}
	}
	if h.deps.Metrics != nil {
		runtime["counters"] = h.deps.Metrics.Runtime()
	}
	if h.deps.Scheduler != nil {
		runtime["scheduler"] = h.deps.Scheduler.Status()
	}
	writeOK(w, map[string]any{"runtime": runtime})
}

// GenerateSignal runs the pipeline for one pair on demand.
func (h *Handlers) GenerateSignal(w http.ResponseWriter, r *http.Request) {
	var req generateSignalRequest
	if details, err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pair", details)
		return
	}
	pair, details, err := parsePairField(req.Pair)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pair", details)
		return
	}
	if h.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "signal pipeline unavailable", nil)
		return
	}

	broadcast := true
	if req.Broadcast != nil {
		broadcast = *req.Broadcast
	}
	out := h.deps.Runner.GenerateSignal(r.Context(), pair, engine.Options{
		Broker:    req.Broker,
		Broadcast: broadcast,
		EAOnly:    req.EAOnly,
		NoCache:   req.AnalysisMode == "full",
	})

	body := map[string]any{
		"signal":    out.Signal,
		"timestamp": h.now().UnixMilli(),
	}
	if out.Backtest != nil {
		body["backtest"] = out.Backtest
	}
	if out.Execution != nil {
		body["execution"] = out.Execution
	}
	writeOK(w, body)
}

// AutoTraderEnable starts the scan loop on the application context.
func (h *Handlers) AutoTraderEnable(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Trader == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-trader unavailable", nil)
		return
	}
	if err := h.deps.Trader.Enable(h.deps.Base); err != nil {
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}
	writeOK(w, map[string]any{"running": true, "config": h.deps.Trader.Config()})
}

// AutoTraderDisable stops the scan loop.
func (h *Handlers) AutoTraderDisable(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Trader == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-trader unavailable", nil)
		return
	}
	if err := h.deps.Trader.Disable(); err != nil {
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}
	writeOK(w, map[string]any{"running": false})
}

// AutoTraderCloseAll closes every open trade through the router.
func (h *Handlers) AutoTraderCloseAll(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trader == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-trader unavailable", nil)
		return
	}
	res := h.deps.Trader.CloseAll(r.Context())
	writeOK(w, map[string]any{"result": res})
}

// AutoTraderConfig applies interval/pairs/concurrency updates.
func (h *Handlers) AutoTraderConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trader == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-trader unavailable", nil)
		return
	}
	var req autoTraderConfigRequest
	if details, err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid config", details)
		return
	}

	var update engine.ConfigUpdate
	if req.IntervalMs != nil {
		d := time.Duration(*req.IntervalMs) * time.Millisecond
		update.Interval = &d
	}
	update.Pairs = req.Pairs
	update.MaxConcurrent = req.MaxConcurrent

	cfg, err := h.deps.Trader.UpdateConfig(update)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid config", []string{err.Error()})
		return
	}
	writeOK(w, map[string]any{"config": cfg, "running": h.deps.Trader.Running()})
}

// BridgeQuotes serves the cached per-broker quote snapshot.
func (h *Handlers) BridgeQuotes(w http.ResponseWriter, r *http.Request) {
	bridge, brokerID, ok := h.bridgeFor(w, r)
	if !ok {
		return
	}
	maxAge := time.Duration(0)
	if raw := r.URL.Query().Get("maxAgeMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "Invalid maxAgeMs", []string{"maxAgeMs must be a non-negative integer"})
			return
		}
		maxAge = time.Duration(ms) * time.Millisecond
	}
	quotes, err := bridge.BridgeQuotes(r.Context(), brokerID, maxAge)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}
	writeOK(w, map[string]any{"broker": brokerID, "quotes": quotes, "count": len(quotes)})
}

// BridgePositions lists the broker-side open positions.
func (h *Handlers) BridgePositions(w http.ResponseWriter, r *http.Request) {
	bridge, brokerID, ok := h.bridgeFor(w, r)
	if !ok {
		return
	}
	positions, err := bridge.Positions(r.Context(), brokerID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}
	writeOK(w, map[string]any{"broker": brokerID, "positions": positions, "count": len(positions)})
}

// BridgeAccount reports balance/equity/margin for one broker.
func (h *Handlers) BridgeAccount(w http.ResponseWriter, r *http.Request) {
	bridge, brokerID, ok := h.bridgeFor(w, r)
	if !ok {
		return
	}
	info, err := bridge.AccountInfo(r.Context(), brokerID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}
	writeOK(w, map[string]any{"broker": brokerID, "account": info})
}

// BrokerStatuses reports the connector routing view.
func (h *Handlers) BrokerStatuses(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "broker routing disabled", nil)
		return
	}
	writeOK(w, map[string]any{"brokers": h.deps.Bridge.Statuses(r.Context())})
}

func (h *Handlers) bridgeFor(w http.ResponseWriter, r *http.Request) (Bridge, string, bool) {
	if h.deps.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "broker routing disabled", nil)
		return nil, "", false
	}
	brokerID := mux.Vars(r)["broker"]
	if brokerID == "" {
		writeError(w, http.StatusBadRequest, "missing broker", nil)
		return nil, "", false
	}
	return h.deps.Bridge, brokerID, true
}

// NotFound keeps 404s inside the JSON envelope.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "route not found: "+r.URL.Path, nil)
}

func parseTimeframesCSV(raw string) ([]domain.Timeframe, []string, error) {
	var out []domain.Timeframe
	var details []string
	for _, token := range splitCSV(raw) {
		tf, err := domain.ParseTimeframe(token)
		if err != nil {
			details = append(details, err.Error())
			continue
		}
		out = append(out, tf)
	}
	if len(details) > 0 {
		return nil, details, errInvalidTimeframes
	}
	return out, nil, nil
}
