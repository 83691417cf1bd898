package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Renewal    RenewalConfig    `yaml:"renewal" mapstructure:"renewal"`
	Roster     RosterConfig     `yaml:"roster" mapstructure:"roster"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ClassifierConfig controls how the classifier is called and how its output
// is interpreted.
type ClassifierConfig struct {
	MaxProtocolChars int      `yaml:"max_protocol_chars" mapstructure:"max_protocol_chars"`
	RatePerSec       float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxAttempts      int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	FallbackCourses  []string `yaml:"fallback_courses" mapstructure:"fallback_courses"`
	RestrictCatalog  bool     `yaml:"restrict_catalog" mapstructure:"restrict_catalog"`
}

// ExtractConfig configures protocol text extraction.
type ExtractConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// BatchConfig configures protocol batch processing.
type BatchConfig struct {
	CohortLimit int `yaml:"cohort_limit" mapstructure:"cohort_limit"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// RenewalConfig configures the renewal window.
type RenewalConfig struct {
	BufferDays int `yaml:"buffer_days" mapstructure:"buffer_days"`
}

// RosterConfig points at the people directory and course catalog files.
type RosterConfig struct {
	People  string `yaml:"people" mapstructure:"people"`
	Catalog string `yaml:"catalog" mapstructure:"catalog"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COURSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "courses.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("classifier.max_protocol_chars", 12000)
	v.SetDefault("classifier.rate_per_sec", 2.0)
	v.SetDefault("classifier.max_attempts", 3)
	v.SetDefault("classifier.restrict_catalog", true)
	v.SetDefault("classifier.fallback_courses", []string{"SAFETY-GENERAL-101"})
	v.SetDefault("extract.provider", "auto")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.mistral_key", "")
	v.SetDefault("extract.mistral_model", "pixtral-large-latest")
	v.SetDefault("batch.cohort_limit", 25)
	v.SetDefault("batch.concurrency", 1)
	v.SetDefault("renewal.buffer_days", 30)
	v.SetDefault("roster.people", "people.csv")
	v.SetDefault("roster.catalog", "catalog.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "submit" (the
// classifier must be reachable), "serve" (submit plus a listen port), and
// "read" (store only).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Renewal.BufferDays < 0 {
		errs = append(errs, "renewal.buffer_days must be >= 0")
	}

	switch mode {
	case "read":
	case "submit", "serve":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 16 {
			errs = append(errs, "batch.concurrency must be between 1 and 16")
		}
		if c.Batch.CohortLimit < 0 {
			errs = append(errs, "batch.cohort_limit must be >= 0")
		}
		if len(c.Classifier.FallbackCourses) == 0 {
			errs = append(errs, "classifier.fallback_courses must not be empty")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
