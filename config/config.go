package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process configuration loaded from environment variables.
type Config struct {
	// Server
	ChartdAddr  string `env:"CHARTD_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Infrastructure
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/settings.db"`

	// Upstream exchange
	UpstreamRESTURL string `env:"UPSTREAM_REST_URL" envDefault:"https://api.binance.com/api/v3/klines"`
	UpstreamWSURL   string `env:"UPSTREAM_WS_URL" envDefault:"wss://stream.binance.com:9443/ws"`

	// Candle proxy
	CandleCacheTTL  time.Duration `env:"CANDLE_CACHE_TTL" envDefault:"10s"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"10s"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"20"`

	// Chart client
	APIURL            string `env:"API_URL" envDefault:"http://localhost:8080"`
	ChartDefaultsFile string `env:"CHART_DEFAULTS_FILE"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: .env not loaded", "error", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("config: RATE_LIMIT_MAX must be positive, got %d", cfg.RateLimitMax)
	}
	return cfg, nil
}

// ChartDefaults are display settings seeded into the settings store on first start.
type ChartDefaults struct {
	Interval     string `yaml:"interval"`
	HistoryLimit int    `yaml:"history_limit"`
	EMA1         struct {
		Period  int  `yaml:"period"`
		Visible bool `yaml:"visible"`
	} `yaml:"ema1"`
	EMA2 struct {
		Period  int  `yaml:"period"`
		Visible bool `yaml:"visible"`
	} `yaml:"ema2"`
}

// LoadChartDefaults reads a YAML chart defaults file.
// Missing fields keep the built-in session defaults.
func LoadChartDefaults(path string) (Session, error) {
	s := DefaultSession()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: read chart defaults: %w", err)
	}
	var d ChartDefaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return s, fmt.Errorf("config: parse chart defaults: %w", err)
	}
	if d.Interval != "" {
		s.Interval = d.Interval
	}
	if d.HistoryLimit > 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	if d.EMA1.Period > 0 {
		s.EMA1Period = d.EMA1.Period
		s.EMA1Visible = d.EMA1.Visible
	}
	if d.EMA2.Period > 0 {
		s.EMA2Period = d.EMA2.Period
		s.EMA2Visible = d.EMA2.Visible
	}
	return s, s.Validate()
}
