// Package config loads the environment-driven platform configuration.
// Boolean feature flags default to off in production; the development
// preset enables websockets and synthetic data fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Trading scopes. ScopeSignals disables order submission entirely.
const (
	ScopeSignals   = "signals"
	ScopeExecution = "execution"
)

// Config is the root runtime configuration assembled from environment
// variables. Component-level tunables (quality thresholds, scheduler
// cadences, scorer weights) live with their packages and accept optional
// yaml overrides.
type Config struct {
	Environment         string
	Port                int
	RequireRealtimeData bool
	AllowSyntheticData  bool
	TradingScope        string
	EAOnlyMode          bool
	QuoteMaxAge         time.Duration

	DB        DBConfig
	RedisAddr string
	Providers ProvidersConfig
	Analysis  AnalysisConfig
	Brokers   BrokersConfig
	Flags     Flags
	Backtest  LiveBacktestConfig
	Risk      RiskConfig
	AutoTrade AutoTraderConfig
	Digests   DigestConfig
	Alerts    AlertsConfig
}

// DBConfig carries Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSL      bool
	PoolMin  int
	PoolMax  int
}

// Configured reports whether enough settings are present to attempt a
// database connection.
func (d DBConfig) Configured() bool {
	return d.Host != "" && d.Name != "" && d.User != ""
}

// DSN renders the lib/pq connection string.
func (d DBConfig) DSN() string {
	ssl := "disable"
	if d.SSL {
		ssl = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, ssl)
}

// ProvidersConfig holds market data provider credentials and ordering.
type ProvidersConfig struct {
	TwelveDataKey   string
	FinnhubKey      string
	PolygonKey      string
	AlphaVantageKey string
	// Order is the configured preference list; the fetcher re-sorts it by
	// live quality on every request.
	Order    []string
	Disabled []string
}

// AnalysisConfig wires the optional analysis feeds. Empty keys leave
// each source on its built-in fallback (static macro table, synthetic
// neutral sentiment).
type AnalysisConfig struct {
	MacroAPIKey      string
	MacroBaseURL     string
	NewsAPIKey       string
	NewsBaseURL      string
	SentimentAPIKey  string
	SentimentBaseURL string
}

// BrokerConfig is one connector's connection settings.
type BrokerConfig struct {
	Enabled   bool
	BaseURL   string
	Token     string
	AccountID string
}

// BrokersConfig wires the broker router.
type BrokersConfig struct {
	RoutingEnabled bool
	Default        string
	MT4            BrokerConfig
	MT5            BrokerConfig
	OANDA          BrokerConfig
	IBKR           BrokerConfig
	PaperEnabled   bool
}

// Flags groups the ENABLE_* feature switches.
type Flags struct {
	Websockets         bool
	RiskReports        bool
	PerformanceDigests bool
	PrefetchScheduler  bool
}

// LiveBacktestConfig parameterizes the signal confirmation gate.
type LiveBacktestConfig struct {
	Enabled          bool
	LookbackDays     int
	MaxBars          int
	StrideBars       int
	HoldBars         int
	TakeProfitPips   float64
	StopLossPips     float64
	MinTrades        int
	MinWinRate       float64
	MinProfitFactor  float64
	MaxDrawdownPct   float64
	MinExpectancyPct float64
}

// RiskConfig parameterizes the risk engine.
type RiskConfig struct {
	AccountBalance         float64
	AccountRiskPct         float64
	DailyRiskLimitPct      float64
	MaxCurrencyExposurePct float64
	MaxPerCluster          int
	VaRConfidence          float64
	VaRLookbackDays        int
	VaRLimitPct            float64
}

// AutoTraderConfig drives the optional scan-and-execute loop.
type AutoTraderConfig struct {
	Autostart     bool
	Interval      time.Duration
	Pairs         []string
	MaxConcurrent int
}

// DigestConfig schedules the daily report jobs.
type DigestConfig struct {
	RiskReportHourUTC  int
	PerformanceHourUTC int
	OutputDir          string
}

// AlertsConfig wires the optional notification channels; empty URLs
// leave the channel as a no-op.
type AlertsConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	EmailGatewayURL string
	EmailFrom       string
	EmailTo         string
}

// Load assembles configuration from the environment. Missing keys fall
// back to environment-appropriate defaults; it never fails on absent
// optional settings.
func Load() *Config {
	env := strings.ToLower(getEnv("NODE_ENV", "development"))
	prod := env == "production"

	cfg := &Config{
		Environment:         env,
		Port:                getEnvInt("PORT", 8090),
		RequireRealtimeData: getEnvBool("REQUIRE_REALTIME_DATA", prod),
		AllowSyntheticData:  getEnvBool("ALLOW_SYNTHETIC_DATA", !prod),
		TradingScope:        strings.ToLower(getEnv("TRADING_SCOPE", ScopeSignals)),
		EAOnlyMode:          getEnvBool("EA_ONLY_MODE", false),
		QuoteMaxAge:         getEnvDuration("QUOTE_MAX_AGE", defaultQuoteMaxAge(prod)),
		RedisAddr:           getEnv("REDIS_ADDR", ""),

		DB: DBConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", ""),
			User:     getEnv("DB_USER", ""),
			Password: getEnv("DB_PASSWORD", ""),
			SSL:      getEnvBool("DB_SSL", prod),
			PoolMin:  getEnvInt("DB_POOL_MIN_CONNS", 2),
			PoolMax:  getEnvInt("DB_POOL_MAX_CONNS", 10),
		},

		Providers: ProvidersConfig{
			TwelveDataKey:   getEnv("TWELVEDATA_API_KEY", ""),
			FinnhubKey:      getEnv("FINNHUB_API_KEY", ""),
			PolygonKey:      getEnv("POLYGON_API_KEY", ""),
			AlphaVantageKey: getEnv("ALPHAVANTAGE_API_KEY", ""),
			Order:           getEnvList("PROVIDER_ORDER", []string{"twelveData", "finnhub", "polygon", "alphaVantage"}),
			Disabled:        getEnvList("DISABLED_PROVIDERS", nil),
		},

		Analysis: AnalysisConfig{
			MacroAPIKey:      getEnv("MACRO_API_KEY", ""),
			MacroBaseURL:     getEnv("MACRO_BASE_URL", ""),
			NewsAPIKey:       getEnv("NEWS_API_KEY", ""),
			NewsBaseURL:      getEnv("NEWS_BASE_URL", ""),
			SentimentAPIKey:  getEnv("SENTIMENT_API_KEY", ""),
			SentimentBaseURL: getEnv("SENTIMENT_BASE_URL", ""),
		},

		Brokers: BrokersConfig{
			RoutingEnabled: getEnvBool("ENABLE_BROKER_ROUTING", false),
			Default:        getEnv("DEFAULT_BROKER", "paper"),
			MT4: BrokerConfig{
				Enabled: getEnvBool("ENABLE_BROKER_MT4", false),
				BaseURL: getEnv("MT4_BRIDGE_URL", "http://127.0.0.1:8081"),
				Token:   getEnv("MT4_BRIDGE_TOKEN", ""),
			},
			MT5: BrokerConfig{
				Enabled: getEnvBool("ENABLE_BROKER_MT5", false),
				BaseURL: getEnv("MT5_BRIDGE_URL", "http://127.0.0.1:8082"),
				Token:   getEnv("MT5_BRIDGE_TOKEN", ""),
			},
			OANDA: BrokerConfig{
				Enabled:   getEnvBool("ENABLE_BROKER_OANDA", false),
				BaseURL:   getEnv("OANDA_BASE_URL", "https://api-fxpractice.oanda.com"),
				Token:     getEnv("OANDA_API_TOKEN", ""),
				AccountID: getEnv("OANDA_ACCOUNT_ID", ""),
			},
			IBKR: BrokerConfig{
				Enabled:   getEnvBool("ENABLE_BROKER_IBKR", false),
				BaseURL:   getEnv("IBKR_GATEWAY_URL", "https://127.0.0.1:5000"),
				AccountID: getEnv("IBKR_ACCOUNT_ID", ""),
			},
			PaperEnabled: getEnvBool("ENABLE_BROKER_PAPER", !prod),
		},

		Flags: Flags{
			Websockets:         getEnvBool("ENABLE_WEBSOCKETS", !prod),
			RiskReports:        getEnvBool("ENABLE_RISK_REPORTS", false),
			PerformanceDigests: getEnvBool("ENABLE_PERFORMANCE_DIGESTS", false),
			PrefetchScheduler:  getEnvBool("ENABLE_PREFETCH_SCHEDULER", false),
		},

		Backtest: LiveBacktestConfig{
			Enabled:          getEnvBool("LIVE_BACKTEST_ENABLED", true),
			LookbackDays:     getEnvInt("LIVE_BACKTEST_LOOKBACK_DAYS", 30),
			MaxBars:          getEnvInt("LIVE_BACKTEST_MAX_BARS", 3200),
			StrideBars:       getEnvInt("LIVE_BACKTEST_STRIDE_BARS", 4),
			HoldBars:         getEnvInt("LIVE_BACKTEST_HOLD_BARS", 12),
			TakeProfitPips:   getEnvFloat("LIVE_BACKTEST_TP_PIPS", 40),
			StopLossPips:     getEnvFloat("LIVE_BACKTEST_SL_PIPS", 22),
			MinTrades:        getEnvInt("LIVE_BACKTEST_MIN_TRADES", 20),
			MinWinRate:       getEnvFloat("LIVE_BACKTEST_MIN_WIN_RATE", 0.62),
			MinProfitFactor:  getEnvFloat("LIVE_BACKTEST_MIN_PROFIT_FACTOR", 1.1),
			MaxDrawdownPct:   getEnvFloat("LIVE_BACKTEST_MAX_DRAWDOWN_PCT", 18),
			MinExpectancyPct: getEnvFloat("LIVE_BACKTEST_MIN_EXPECTANCY_PCT", 0.2),
		},

		Risk: RiskConfig{
			AccountBalance:         getEnvFloat("ACCOUNT_BALANCE", 10000),
			AccountRiskPct:         getEnvFloat("ACCOUNT_RISK_PCT", 1.0),
			DailyRiskLimitPct:      getEnvFloat("DAILY_RISK_LIMIT_PCT", 3.0),
			MaxCurrencyExposurePct: getEnvFloat("MAX_CURRENCY_EXPOSURE_PCT", 15.0),
			MaxPerCluster:          getEnvInt("MAX_TRADES_PER_CLUSTER", 2),
			VaRConfidence:          getEnvFloat("VAR_CONFIDENCE", 0.95),
			VaRLookbackDays:        getEnvInt("VAR_LOOKBACK_DAYS", 20),
			VaRLimitPct:            getEnvFloat("VAR_LIMIT_PCT", 5.0),
		},

		AutoTrade: AutoTraderConfig{
			Autostart:     getEnvBool("AUTO_TRADING_AUTOSTART", false),
			Interval:      getEnvDuration("AUTO_TRADING_INTERVAL", 5*time.Minute),
			Pairs:         getEnvList("AUTO_TRADING_PAIRS", []string{"EURUSD", "GBPUSD", "USDJPY"}),
			MaxConcurrent: getEnvInt("AUTO_TRADING_MAX_CONCURRENT", 3),
		},

		Digests: DigestConfig{
			RiskReportHourUTC:  getEnvInt("RISK_REPORT_HOUR_UTC", 21),
			PerformanceHourUTC: getEnvInt("PERFORMANCE_DIGEST_HOUR_UTC", 22),
			OutputDir:          getEnv("DIGEST_OUTPUT_DIR", "reports/digests"),
		},

		Alerts: AlertsConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			EmailGatewayURL: getEnv("EMAIL_GATEWAY_URL", ""),
			EmailFrom:       getEnv("EMAIL_FROM", ""),
			EmailTo:         getEnv("EMAIL_TO", ""),
		},
	}

	if cfg.TradingScope != ScopeExecution {
		cfg.TradingScope = ScopeSignals
	}
	return cfg
}

// IsProduction reports whether the production preset is active.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

func defaultQuoteMaxAge(prod bool) time.Duration {
	if prod {
		return 90 * time.Second
	}
	return 10 * time.Minute
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
