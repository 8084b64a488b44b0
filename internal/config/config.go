package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Brokers   BrokersConfig   `yaml:"brokers"`
	Market    MarketConfig    `yaml:"market"`
	Feed      FeedConfig      `yaml:"feed"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	History   HistoryConfig   `yaml:"history"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	PreGenAdvance time.Duration `yaml:"pre_gen_advance"`
	WarmupAdvance time.Duration `yaml:"warmup_advance"`
	ExpireGrace   time.Duration `yaml:"expire_grace"`
	Timezone      string        `yaml:"timezone"`
}

type MonitorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ProximityBand float64       `yaml:"proximity_band"`
}

type BrokersConfig struct {
	Order     []string        `yaml:"order"`
	Flattrade FlattradeConfig `yaml:"flattrade"`
	AngelOne  AngelOneConfig  `yaml:"angelone"`
}

type FlattradeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
}

type AngelOneConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
}

type MarketConfig struct {
	OpenTime  string `yaml:"open_time"`
	CloseTime string `yaml:"close_time"`
	Timezone  string `yaml:"timezone"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("NFO_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("NFO_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/nfo-seller-bot.db"
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 100 * time.Millisecond
	}
	if cfg.Scheduler.PreGenAdvance == 0 {
		cfg.Scheduler.PreGenAdvance = 25 * time.Second
	}
	if cfg.Scheduler.WarmupAdvance == 0 {
		cfg.Scheduler.WarmupAdvance = 15 * time.Second
	}
	if cfg.Scheduler.ExpireGrace == 0 {
		cfg.Scheduler.ExpireGrace = 2 * time.Minute
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Asia/Kolkata"
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 30 * time.Second
	}
	if cfg.Monitor.ProximityBand == 0 {
		cfg.Monitor.ProximityBand = 500
	}
	if len(cfg.Brokers.Order) == 0 {
		cfg.Brokers.Order = []string{"flattrade", "angelone"}
	}
	applyFlattradeDefaults(&cfg.Brokers.Flattrade)
	applyAngelOneDefaults(&cfg.Brokers.AngelOne)
	if cfg.Market.OpenTime == "" {
		cfg.Market.OpenTime = "09:15"
	}
	if cfg.Market.CloseTime == "" {
		cfg.Market.CloseTime = "15:30"
	}
	if cfg.Market.Timezone == "" {
		cfg.Market.Timezone = "Asia/Kolkata"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9115"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func applyFlattradeDefaults(cfg *FlattradeConfig) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://piconnect.flattrade.in/PiConnectTP"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 8
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.SessionMaxAge == 0 {
		cfg.SessionMaxAge = 8 * time.Hour
	}
}

func applyAngelOneDefaults(cfg *AngelOneConfig) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://apiconnect.angelbroking.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 8
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.SessionMaxAge == 0 {
		cfg.SessionMaxAge = 8 * time.Hour
	}
}

func validate(cfg *Config) error {
	if !cfg.Brokers.Flattrade.Enabled && !cfg.Brokers.AngelOne.Enabled {
		return errors.New("at least one broker must be enabled")
	}
	if cfg.Scheduler.WarmupAdvance > cfg.Scheduler.PreGenAdvance {
		return errors.New("scheduler.warmup_advance must not exceed scheduler.pre_gen_advance")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
