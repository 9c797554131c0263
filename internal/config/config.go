package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Template   TemplateConfig   `yaml:"template" mapstructure:"template"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
	Alerts     AlertConfig      `yaml:"alerts" mapstructure:"alerts"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BlobConfig configures artifact storage. The engine reads inputs and
// writes outputs by reference; it does not manage bucket lifecycle.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// GeminiConfig holds Gemini API settings (vision/generation tier).
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings (long-context reasoning tier).
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenRouterConfig holds OpenRouter API settings (fast low-cost tier).
type OpenRouterConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// PipelineConfig configures workflow behavior.
type PipelineConfig struct {
	MaxFileSizeMB    int     `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	MaxPDFPages      int     `yaml:"max_pdf_pages" mapstructure:"max_pdf_pages"`
	PageWorkers      int     `yaml:"page_workers" mapstructure:"page_workers"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelaySecs   int     `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	CallTimeoutSecs  int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	DegradedMaxRatio float64 `yaml:"degraded_max_ratio" mapstructure:"degraded_max_ratio"`
}

// RetryDelay returns the fixed inter-attempt delay.
func (c PipelineConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// CallTimeout returns the per-invocation timeout.
func (c PipelineConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// CacheConfig configures the model response cache.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// TemplateConfig points at the statement template layout definition.
type TemplateConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// OCRConfig configures the per-page OCR fallback.
type OCRConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// WatchConfig configures the input directory monitor.
type WatchConfig struct {
	InputDir      string `yaml:"input_dir" mapstructure:"input_dir"`
	DefaultUserID string `yaml:"default_user_id" mapstructure:"default_user_id"`
	DefaultYear   int    `yaml:"default_year" mapstructure:"default_year"`
}

// AlertConfig configures the webhook alerter.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("STATENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "statement-engine.db")
	v.SetDefault("blob.root", "./artifacts")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.model", "gemini-2.5-pro")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "x-ai/grok-4-fast")
	v.SetDefault("pipeline.max_file_size_mb", 50)
	v.SetDefault("pipeline.max_pdf_pages", 100)
	v.SetDefault("pipeline.page_workers", 4)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_delay_secs", 2)
	v.SetDefault("pipeline.call_timeout_secs", 120)
	v.SetDefault("pipeline.degraded_max_ratio", 0.5)
	v.SetDefault("cache.ttl_hours", 1)
	v.SetDefault("template.path", "template.yaml")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("watch.input_dir", "./input")
	v.SetDefault("watch.default_user_id", "system")
	v.SetDefault("watch.default_year", 2025)
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
