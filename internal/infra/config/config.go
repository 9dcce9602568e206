// Package config manages tradepilot configuration loading and validation.
// Values come from an optional YAML file, then from TRADEPILOT_* environment
// variables, which win.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADEPILOT_"

// listenKeyValidity is how long the exchange honours a listen key without
// a keepalive.
const listenKeyValidity = 60 * time.Minute

// ExchangeConfig locates the exchange REST and streaming endpoints.
type ExchangeConfig struct {
	RestURL           string        `yaml:"restURL" env:"REST_URL"`
	MarketStreamURL   string        `yaml:"marketStreamURL" env:"MARKET_STREAM_URL"`
	PrivateStreamURL  string        `yaml:"privateStreamURL" env:"PRIVATE_STREAM_URL"`
	RecvWindow        time.Duration `yaml:"recvWindow" env:"RECV_WINDOW"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	OrderTimeout      time.Duration `yaml:"orderTimeout" env:"ORDER_TIMEOUT"`
	MaxRetries        int           `yaml:"maxRetries" env:"MAX_RETRIES"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" env:"REQUESTS_PER_SECOND"`
}

// StreamConfig tunes websocket session supervision.
type StreamConfig struct {
	Keepalive             time.Duration `yaml:"keepalive" env:"KEEPALIVE"`
	ListenKeyRenewal      time.Duration `yaml:"listenKeyRenewal" env:"LISTEN_KEY_RENEWAL"`
	PrivateIdleTimeout    time.Duration `yaml:"privateIdleTimeout" env:"PRIVATE_IDLE_TIMEOUT"`
	MarketIdlePing        time.Duration `yaml:"marketIdlePing" env:"MARKET_IDLE_PING"`
	MarketIdleTimeout     time.Duration `yaml:"marketIdleTimeout" env:"MARKET_IDLE_TIMEOUT"`
	HealthScanInterval    time.Duration `yaml:"healthScanInterval" env:"HEALTH_SCAN_INTERVAL"`
	StaleAfter            time.Duration `yaml:"staleAfter" env:"STALE_AFTER"`
	BackoffInitial        time.Duration `yaml:"backoffInitial" env:"BACKOFF_INITIAL"`
	BackoffMax            time.Duration `yaml:"backoffMax" env:"BACKOFF_MAX"`
	DialTimeout           time.Duration `yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
	MaxChannelsPerRequest int           `yaml:"maxChannelsPerRequest" env:"MAX_CHANNELS_PER_REQUEST"`
}

// ReconcileConfig tunes the periodic open-order sweep.
type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
}

// TradingConfig tunes the per-user trading loops.
type TradingConfig struct {
	FastPoll         time.Duration `yaml:"fastPoll" env:"FAST_POLL"`
	DefaultPause     time.Duration `yaml:"defaultPause" env:"DEFAULT_PAUSE"`
	FailureThreshold int           `yaml:"failureThreshold" env:"FAILURE_THRESHOLD"`
	QuoteFreshness   time.Duration `yaml:"quoteFreshness" env:"QUOTE_FRESHNESS"`
	FillWait         time.Duration `yaml:"fillWait" env:"FILL_WAIT"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN selects the in-memory stores.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxConns        int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns        int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	RunMigrations   bool          `yaml:"runMigrations" env:"RUN_MIGRATIONS"`
	MigrationsDir   string        `yaml:"migrationsDir" env:"MIGRATIONS_DIR"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return strings.TrimSpace(c.DSN) != "" }

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// KafkaConfig publishes notifications to a topic when brokers are set.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
}

// NotifyConfig routes user notifications.
type NotifyConfig struct {
	BufferSize int         `yaml:"bufferSize" env:"BUFFER_SIZE"`
	Kafka      KafkaConfig `yaml:"kafka" envPrefix:"KAFKA_"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure   bool          `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	ServiceName    string        `yaml:"serviceName" env:"SERVICE_NAME"`
	MetricInterval time.Duration `yaml:"metricInterval" env:"METRIC_INTERVAL"`
}

// ServerConfig configures the read-only status surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" env:"READ_HEADER_TIMEOUT"`
}

// MarketConfig lists symbols subscribed at startup.
type MarketConfig struct {
	Symbols           []string `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	DirectionCapacity int      `yaml:"directionCapacity" env:"DIRECTION_CAPACITY"`
}

// AppConfig is the unified tradepilot configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"ENVIRONMENT"`
	LogLevel    LogLevel        `yaml:"logLevel" env:"LOG_LEVEL"`
	Exchange    ExchangeConfig  `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Stream      StreamConfig    `yaml:"stream" envPrefix:"STREAM_"`
	Reconcile   ReconcileConfig `yaml:"reconcile" envPrefix:"RECONCILE_"`
	Trading     TradingConfig   `yaml:"trading" envPrefix:"TRADING_"`
	Database    DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Notify      NotifyConfig    `yaml:"notify" envPrefix:"NOTIFY_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Server      ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Market      MarketConfig    `yaml:"market" envPrefix:"MARKET_"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		LogLevel:    LogInfo,
		Exchange: ExchangeConfig{
			RestURL:           "https://api.mexc.com",
			MarketStreamURL:   "wss://wbs-api.mexc.com/ws",
			RecvWindow:        5 * time.Second,
			Timeout:           10 * time.Second,
			OrderTimeout:      25 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 10,
		},
		Stream: StreamConfig{
			Keepalive:             30 * time.Second,
			ListenKeyRenewal:      45 * time.Minute,
			PrivateIdleTimeout:    120 * time.Second,
			MarketIdlePing:        60 * time.Second,
			MarketIdleTimeout:     180 * time.Second,
			HealthScanInterval:    30 * time.Second,
			StaleAfter:            2 * time.Hour,
			BackoffInitial:        time.Second,
			BackoffMax:            60 * time.Second,
			DialTimeout:           15 * time.Second,
			MaxChannelsPerRequest: 30,
		},
		Reconcile: ReconcileConfig{Interval: 60 * time.Second, Concurrency: 4},
		Trading: TradingConfig{
			FastPoll:         5 * time.Second,
			DefaultPause:     60 * time.Second,
			FailureThreshold: 5,
			QuoteFreshness:   10 * time.Second,
			FillWait:         5 * time.Second,
		},
		Database: DatabaseConfig{RunMigrations: true},
		Notify: NotifyConfig{
			BufferSize: 256,
			Kafka:      KafkaConfig{Topic: "tradepilot.notifications", WriteTimeout: 5 * time.Second},
		},
		Telemetry: TelemetryConfig{
			OTLPInsecure:   true,
			ServiceName:    "tradepilot",
			MetricInterval: 15 * time.Second,
		},
		Server: ServerConfig{Addr: ":8880", ReadHeaderTimeout: 5 * time.Second},
		Market: MarketConfig{DirectionCapacity: 100},
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Load reads, overlays and validates configuration from the YAML file at path.
func Load(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx
	cfg := Default()
	file, err := os.Open(filepath.Clean(strings.TrimSpace(path))) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return AppConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := decodeYAML(file, &cfg); err != nil {
		return AppConfig{}, err
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults plus the
// environment overlay when the file does not exist. The boolean reports
// whether the file was read.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finish(Default())
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func decodeYAML(r io.Reader, cfg *AppConfig) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(string(c.LogLevel))))
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	c.Exchange.RestURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestURL), "/")
	c.Exchange.MarketStreamURL = strings.TrimSpace(c.Exchange.MarketStreamURL)
	c.Exchange.PrivateStreamURL = strings.TrimSpace(c.Exchange.PrivateStreamURL)
	if c.Exchange.PrivateStreamURL == "" {
		c.Exchange.PrivateStreamURL = c.Exchange.MarketStreamURL
	}
	c.Database.applyDefaults()
	c.Notify.Kafka.Topic = strings.TrimSpace(c.Notify.Kafka.Topic)
	brokers := c.Notify.Kafka.Brokers[:0]
	for _, b := range c.Notify.Kafka.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Notify.Kafka.Brokers = brokers
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Market.Symbols = normalizeSymbols(c.Market.Symbols)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.LogLevel.validate(); err != nil {
		return err
	}

	if c.Exchange.RestURL == "" {
		return fmt.Errorf("exchange restURL required")
	}
	if c.Exchange.MarketStreamURL == "" {
		return fmt.Errorf("exchange marketStreamURL required")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange requestsPerSecond must be >0")
	}
	if c.Exchange.MaxRetries < 0 {
		return fmt.Errorf("exchange maxRetries must be >=0")
	}

	intervals := []struct {
		name  string
		value time.Duration
	}{
		{"exchange recvWindow", c.Exchange.RecvWindow},
		{"exchange timeout", c.Exchange.Timeout},
		{"exchange orderTimeout", c.Exchange.OrderTimeout},
		{"stream keepalive", c.Stream.Keepalive},
		{"stream listenKeyRenewal", c.Stream.ListenKeyRenewal},
		{"stream privateIdleTimeout", c.Stream.PrivateIdleTimeout},
		{"stream marketIdlePing", c.Stream.MarketIdlePing},
		{"stream marketIdleTimeout", c.Stream.MarketIdleTimeout},
		{"stream healthScanInterval", c.Stream.HealthScanInterval},
		{"stream staleAfter", c.Stream.StaleAfter},
		{"stream backoffInitial", c.Stream.BackoffInitial},
		{"stream backoffMax", c.Stream.BackoffMax},
		{"stream dialTimeout", c.Stream.DialTimeout},
		{"reconcile interval", c.Reconcile.Interval},
		{"trading fastPoll", c.Trading.FastPoll},
		{"trading defaultPause", c.Trading.DefaultPause},
		{"trading quoteFreshness", c.Trading.QuoteFreshness},
		{"trading fillWait", c.Trading.FillWait},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be >0", iv.name)
		}
	}

	if c.Stream.ListenKeyRenewal >= listenKeyValidity {
		return fmt.Errorf("stream listenKeyRenewal must be shorter than %s", listenKeyValidity)
	}
	if c.Stream.MarketIdleTimeout <= c.Stream.MarketIdlePing {
		return fmt.Errorf("stream marketIdleTimeout must exceed marketIdlePing")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffInitial {
		return fmt.Errorf("stream backoffMax must be >= backoffInitial")
	}
	if c.Stream.MaxChannelsPerRequest <= 0 {
		return fmt.Errorf("stream maxChannelsPerRequest must be >0")
	}
	if c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("reconcile concurrency must be >0")
	}
	if c.Trading.FailureThreshold < 1 {
		return fmt.Errorf("trading failureThreshold must be >=1")
	}

	if c.Database.Enabled() && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database: minConns must be <= maxConns")
	}
	if c.Notify.BufferSize <= 0 {
		return fmt.Errorf("notify bufferSize must be >0")
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		return fmt.Errorf("notify kafka topic required when brokers are set")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Market.DirectionCapacity < 2 {
		return fmt.Errorf("market directionCapacity must be >=2")
	}
	return nil
}
