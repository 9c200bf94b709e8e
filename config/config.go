package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Chart    ChartConfig    `mapstructure:"chart"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// FeedConfig points at the market data service.
type FeedConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WSConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// ChartConfig selects the initial series and tunes reconciliation.
type ChartConfig struct {
	Symbol            string        `mapstructure:"symbol"`
	Interval          string        `mapstructure:"interval"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	MaxBackfillChunks int           `mapstructure:"max_backfill_chunks"`
	EdgeThreshold     int           `mapstructure:"edge_threshold"` // buckets
	FocusWindow       int           `mapstructure:"focus_window"`   // candles
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestRetries    int           `mapstructure:"request_retries"`
}

// ArchiveConfig controls persisting candles to postgres.
type ArchiveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	CreateDB     bool          `mapstructure:"create_db"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Retention    time.Duration `mapstructure:"retention"` // 0 keeps everything
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.rest.timeout", 10*time.Second)
	v.SetDefault("feed.ws.timeout", 10*time.Second)
	v.SetDefault("feed.ws.ping_interval", 20*time.Second)

	v.SetDefault("chart.interval", "1m")
	v.SetDefault("chart.chunk_size", 100)
	v.SetDefault("chart.max_backfill_chunks", 20)
	v.SetDefault("chart.edge_threshold", 10)
	v.SetDefault("chart.focus_window", 20)
	v.SetDefault("chart.request_timeout", 10*time.Second)
	v.SetDefault("chart.request_retries", 1)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.write_timeout", 5*time.Second)
	v.SetDefault("archive.retention", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.ssm.host", "CHARTFEED_DB_HOST")
	v.SetDefault("postgres.ssm.user", "CHARTFEED_DB_USER")
	v.SetDefault("postgres.ssm.password", "CHARTFEED_DB_PASSWORD")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// Support environment variables with dot notation (e.g., CHART_INTERVAL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := newViper()
	v.SetConfigName("config") // config.yaml

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	cfg, err := decode(v)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	return decode(v)
}
