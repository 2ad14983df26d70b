package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the rebound trader.
type Config struct {
	Port string

	// Tinkoff Invest API
	Token         string
	BaseURL       string
	SandboxMode   bool
	DebugMode     bool
	AccountUserID int64

	// Telegram
	BotToken    string
	DebugChatID int64

	// Database
	DBPath string

	// Indicator spans (interval, span) pairs, loaded from a YAML file.
	SpansPath string

	// Trading session (UTC hours)
	TradeStartHour int
	TradeEndHour   int

	// Strategy
	EMACrossWindow   int // hours
	ATRPeriod        int
	PositionBuyPct   float64
	DeepHourHorizon  int // days of hourly backfill for new tickers
	MainLoopPeriod   time.Duration
	ReconcilePeriod  time.Duration
	IdleSleep        time.Duration
	HistoricalFloor  time.Duration // fallback when a ticker has no stored candles
	NotifyAttempts   int
	NotifyRetryDelay time.Duration

	// Gateway retry policy
	RequestAttempts   int
	RequestRetryDelay time.Duration

	// Per-minute call ceilings per gateway category
	InstrumentLimit  int
	MarketLimit      int
	OperationsLimit  int
	PostOrderLimit   int
	GetOrderLimit    int
	CancelOrderLimit int
}

// SpanConfig is one (interval, span) indicator pair to track.
type SpanConfig struct {
	Interval string `yaml:"interval"`
	Span     int    `yaml:"span"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	token := os.Getenv("TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TOKEN is required")
	}

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Token:         token,
		BaseURL:       getEnv("INVEST_BASE_URL", "https://invest-public-api.tinkoff.ru/rest/"),
		SandboxMode:   getEnv("SANDBOX_MODE", "true") == "true",
		DebugMode:     getEnv("DEBUG_MODE", "false") == "true",
		AccountUserID: getEnvInt64("ACCOUNT_USER_ID", 1),

		BotToken:    os.Getenv("BOT_TOKEN"),
		DebugChatID: getEnvInt64("DEBUG_CHAT_ID", 0),

		DBPath:    getEnv("DB_PATH", "./data/rebound.db"),
		SpansPath: getEnv("SPANS_PATH", "./spans.yaml"),

		TradeStartHour: getEnvInt("TRADE_START_HOUR", 7),
		TradeEndHour:   getEnvInt("TRADE_END_HOUR", 20),

		EMACrossWindow:   getEnvInt("EMA_CROSS_WINDOW", 4),
		ATRPeriod:        getEnvInt("ATR_PERIOD", 14),
		PositionBuyPct:   getEnvFloat("POSITION_BUY_PERCENT", 5),
		DeepHourHorizon:  getEnvInt("DEEP_FOR_HOUR_CANDLES", 60),
		MainLoopPeriod:   getEnvSeconds("MAIN_CIRCLE_SLEEP_TIME", 300),
		ReconcilePeriod:  getEnvSeconds("RECONCILE_PERIOD", 45),
		IdleSleep:        getEnvSeconds("IDLE_SLEEP", 5),
		HistoricalFloor:  time.Duration(getEnvInt("HISTORICAL_FLOOR_DAYS", 60)) * 24 * time.Hour,
		NotifyAttempts:   getEnvInt("ATTEMPTS_TO_SEND_TG_MSG", 10),
		NotifyRetryDelay: getEnvSeconds("TG_SEND_TIMEOUT", 10),

		RequestAttempts:   getEnvInt("ATTEMPTS_TO_API_REQUEST", 10),
		RequestRetryDelay: getEnvSeconds("API_REQUEST_TIMEOUT", 10),

		InstrumentLimit:  getEnvInt("INSTRUMENT_QUERY_LIMIT", 100),
		MarketLimit:      getEnvInt("MARKET_QUERY_LIMIT", 150),
		OperationsLimit:  getEnvInt("OPERATIONS_LIMIT", 100),
		PostOrderLimit:   getEnvInt("POST_ORDER_LIMIT", 150),
		GetOrderLimit:    getEnvInt("GET_ORDER_LIMIT", 100),
		CancelOrderLimit: getEnvInt("CANCEL_ORDER_LIMIT", 50),
	}, nil
}

// LoadSpans reads the indicator span set from the YAML file at path.
// A missing file falls back to the strategy defaults (5m EMA 200 and 1000).
func LoadSpans(path string) ([]SpanConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []SpanConfig{
				{Interval: "CANDLE_INTERVAL_5_MIN", Span: 200},
				{Interval: "CANDLE_INTERVAL_5_MIN", Span: 1000},
			}, nil
		}
		return nil, fmt.Errorf("read spans file: %w", err)
	}

	var doc struct {
		Spans []SpanConfig `yaml:"spans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse spans file: %w", err)
	}
	out := make([]SpanConfig, 0, len(doc.Spans))
	for _, s := range doc.Spans {
		if strings.TrimSpace(s.Interval) == "" || s.Span <= 0 {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("spans file %s has no valid entries", path)
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}
