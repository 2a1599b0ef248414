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
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"transfers.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// EnableFingerprinting triggers acoustic analysis after a successful
	// catalog attach.
	EnableFingerprinting bool `envconfig:"ENABLE_FINGERPRINTING" default:"false"`

	// MaxTrackedTransfers bounds the in-memory registry; oldest terminal
	// entries are evicted past this point.
	MaxTrackedTransfers int `envconfig:"MAX_TRACKED_TRANSFERS" default:"2000"`

	MatchMaxAttempts int           `envconfig:"MATCH_MAX_ATTEMPTS" default:"5"`
	MatchBaseDelay   time.Duration `envconfig:"MATCH_BASE_DELAY" default:"1s"`

	Soulseek struct {
		DaemonURL    string        `split_words:"true"`
		Username     string        `split_words:"true"`
		Password     string        `split_words:"true"`
		PollInterval time.Duration `split_words:"true" default:"2s"`
	}

	Catalog struct {
		BaseURL         string        `split_words:"true" default:"https://musicbrainz.org/ws/2"`
		RequestInterval time.Duration `split_words:"true" default:"1s"`
		PageSize        int           `split_words:"true" default:"100"`
		MaxRetries      int           `split_words:"true" default:"3"`
		RetryBaseDelay  time.Duration `split_words:"true" default:"2s"`
	}

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9090"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
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

// SoulseekEnabled reports whether a functioning protocol client can be built.
func (c *Config) SoulseekEnabled() bool {
	return c.Soulseek.DaemonURL != ""
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
