package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OutputDir string `envconfig:"OUTPUT_DIR" required:"true"`
	ConfigDir string `envconfig:"CONFIG_DIR" default:"."`

	Quality    int  `envconfig:"QUALITY" default:"27"`
	MaxWorkers int  `envconfig:"MAX_WORKERS" default:"8"`
	DryRun     bool `envconfig:"DRY_RUN"`
	NoFallback bool `envconfig:"NO_FALLBACK"`
	NoCover    bool `envconfig:"NO_COVER"`
	NoLedger   bool `envconfig:"NO_LEDGER"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Upstream struct {
		BaseURL string `split_words:"true" default:"https://www.qobuz.com"`
		AppID   string `split_words:"true" required:"true"`
		Token   string `split_words:"true" required:"true"`
	}

	Cache struct {
		MaxAge        time.Duration `split_words:"true" default:"24h"`
		SweepInterval time.Duration `split_words:"true" default:"1h"`
	}

	Rate struct {
		Initial float64 `split_words:"true" default:"8"`
		Max     float64 `split_words:"true" default:"12"`
	}

	Breaker struct {
		FailureThreshold int           `split_words:"true" default:"5"`
		RecoveryTimeout  time.Duration `split_words:"true" default:"60s"`
		SuccessThreshold int           `split_words:"true" default:"2"`
	}

	Transfer struct {
		MaxAttempts int           `split_words:"true" default:"3"`
		BaseDelay   time.Duration `split_words:"true" default:"1500ms"`
	}

	Telemetry struct {
		Enabled     bool   `split_words:"true"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9464"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
