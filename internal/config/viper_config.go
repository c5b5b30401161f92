// Package config loads iocbridge's runtime configuration: a YAML file
// overlaid with environment variables, validated fail-fast at startup.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree. Each section maps to one
// component's Config type; cmd/iocbridge translates between them at
// composition time.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	LocalThreat  LocalThreatConfig  `mapstructure:"local_threat"`
	Reputation   ReputationConfig   `mapstructure:"reputation"`
	Geo          GeoConfig          `mapstructure:"geo"`
	Correlator   CorrelatorConfig   `mapstructure:"correlator"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Preprocessor PreprocessorConfig `mapstructure:"preprocessor"`
	LogLevel     string             `mapstructure:"log_level"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LocalThreatConfig struct {
	DataSource string `mapstructure:"data_source"`
	Table      string `mapstructure:"table"`
}

type ReputationConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	DailyLimit int           `mapstructure:"daily_limit"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ResultTTL  time.Duration `mapstructure:"result_ttl"`
}

type GeoConfig struct {
	RequestDelay time.Duration `mapstructure:"request_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type CorrelatorConfig struct {
	LocalConfidenceWeight    float64 `mapstructure:"local_confidence_weight"`
	ExternalConfidenceWeight float64 `mapstructure:"external_confidence_weight"`
	LocalConfidenceBoost     int     `mapstructure:"local_confidence_boost"`
	MinimumFinalConfidence   int     `mapstructure:"minimum_final_confidence"`
	LocalBoostThreshold      int     `mapstructure:"local_boost_threshold"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "redis"
	Endpoint string `mapstructure:"endpoint"`
}

type PreprocessorConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	PreprocessingTTL      time.Duration `mapstructure:"preprocessing_ttl"`
	PreprocessInterval    time.Duration `mapstructure:"preprocess_interval"`
	AutoStart             bool          `mapstructure:"auto_start"`
	MinExternalConfidence int           `mapstructure:"min_external_confidence"`
}

const weightEpsilon = 1e-9
const twoMinutes = 2 * time.Minute

// Load reads config.yaml (if present) from the usual search paths,
// overlays environment variables, validates, and returns the fused
// configuration. Every startup-fatal validation happens here, once, at
// startup, not scattered through component constructors.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")

	setDefaults()

	viper.AutomaticEnv()
	bindEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.listen_addr", ":8443")
	viper.SetDefault("local_threat.table", "local_threat_reports")
	viper.SetDefault("reputation.daily_limit", 1000)
	viper.SetDefault("reputation.timeout", 10*time.Second)
	viper.SetDefault("reputation.result_ttl", time.Hour)
	viper.SetDefault("geo.request_delay", time.Second)
	viper.SetDefault("geo.timeout", 5*time.Second)
	viper.SetDefault("geo.cache_ttl", 24*time.Hour)
	viper.SetDefault("correlator.local_confidence_boost", 10)
	viper.SetDefault("correlator.minimum_final_confidence", 85)
	viper.SetDefault("correlator.local_boost_threshold", 75)
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("preprocessor.batch_size", 100)
	viper.SetDefault("preprocessor.preprocess_interval", 5*time.Minute)
	viper.SetDefault("preprocessor.auto_start", true)
	viper.SetDefault("preprocessor.min_external_confidence", 50)
	viper.SetDefault("log_level", "info")
}

func bindEnv() {
	viper.BindEnv("reputation.api_key", "REPUTATION_API_KEY")
	viper.BindEnv("reputation.daily_limit", "REPUTATION_DAILY_LIMIT")
	viper.BindEnv("reputation.base_url", "REPUTATION_BASE_URL")
	viper.BindEnv("correlator.local_confidence_weight", "LOCAL_CONFIDENCE_WEIGHT")
	viper.BindEnv("correlator.external_confidence_weight", "EXTERNAL_CONFIDENCE_WEIGHT")
	viper.BindEnv("correlator.local_confidence_boost", "LOCAL_CONFIDENCE_BOOST")
	viper.BindEnv("correlator.minimum_final_confidence", "MINIMUM_FINAL_CONFIDENCE")
	viper.BindEnv("cache.endpoint", "CACHE_ENDPOINT")
	viper.BindEnv("cache.backend", "CACHE_BACKEND")
	viper.BindEnv("preprocessor.preprocessing_ttl", "PREPROCESSING_TTL")
	viper.BindEnv("preprocessor.batch_size", "BATCH_SIZE")
	viper.BindEnv("preprocessor.preprocess_interval", "PREPROCESS_INTERVAL")
	viper.BindEnv("preprocessor.auto_start", "AUTO_START_PROCESSING")
	viper.BindEnv("geo.request_delay", "GEO_REQUEST_DELAY")
	viper.BindEnv("server.listen_addr", "LISTEN_ADDR")
	viper.BindEnv("log_level", "LOG_LEVEL")
	viper.BindEnv("local_threat.data_source", "LOCAL_THREAT_DSN")
}

// validate enforces the startup-fatal invariants: the
// correlator's fusion weights have no hard-coded default and must sum to
// 1.0 within epsilon, and preprocessing_ttl, when left unset, derives from
// preprocess_interval rather than falling back to the 24h figure reserved
// for geolocation records.
func validate(cfg *Config) error {
	sum := cfg.Correlator.LocalConfidenceWeight + cfg.Correlator.ExternalConfidenceWeight
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("config: LOCAL_CONFIDENCE_WEIGHT + EXTERNAL_CONFIDENCE_WEIGHT must sum to 1.0, got %.6f", sum)
	}
	if cfg.Reputation.APIKey == "" {
		return fmt.Errorf("config: REPUTATION_API_KEY is required")
	}
	if cfg.LocalThreat.DataSource == "" {
		return fmt.Errorf("config: LOCAL_THREAT_DSN is required")
	}
	if cfg.Preprocessor.PreprocessingTTL <= 0 {
		cfg.Preprocessor.PreprocessingTTL = cfg.Preprocessor.PreprocessInterval + twoMinutes
	}
	return nil
}
