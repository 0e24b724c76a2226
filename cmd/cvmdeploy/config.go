package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
	"github.com/artpar/cvmdeploy/internal/shell/phala"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Poll       PollConfig       `mapstructure:"poll"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Log        LogConfig        `mapstructure:"log"`
}

// APIConfig holds control plane access configuration.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// KeySource is a credential source spec, e.g. "file:~/.config/phala/api_key"
	// or "env:PHALA_API_KEY".
	KeySource string        `mapstructure:"key_source"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DeploymentConfig holds the non-secret deployment parameters and where each
// secret comes from.
type DeploymentConfig struct {
	Name            string   `mapstructure:"name"`
	Model           string   `mapstructure:"model"`
	RequiredSecrets []string `mapstructure:"required_secrets"`
	// Secrets maps secret name to credential source spec.
	Secrets map[string]string `mapstructure:"secrets"`
}

// Params returns the fixed parameters for domain.Assemble.
func (c DeploymentConfig) Params() domain.FixedParams {
	return domain.FixedParams{
		Name:            c.Name,
		ModelIdentifier: c.Model,
		RequiredSecrets: c.RequiredSecrets,
	}
}

// PollConfig holds status polling configuration.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// JournalConfig holds the local attempt journal configuration.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// EncryptionKey seals stored descriptors. Set via CVMDEPLOY_JOURNAL_ENCRYPTION_KEY.
	// Empty means only descriptor hashes are journaled.
	EncryptionKey string        `mapstructure:"encryption_key"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("api.base_url", phala.DefaultBaseURL)
	v.SetDefault("api.key_source", "file:~/.config/phala/api_key")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("deployment.name", "abuclaw-tee")
	v.SetDefault("deployment.model", "claude-sonnet-4-20250514")
	v.SetDefault("deployment.required_secrets", domain.DefaultRequiredSecrets())
	v.SetDefault("deployment.secrets", map[string]string{
		domain.SecretAnthropicAPIKey:  "json:~/.openclaw/agents/main/agent/auth-profiles.json#token",
		domain.SecretTelegramBotToken: "file:~/.config/telegram-bots/abuclaw.token",
		domain.SecretTelegramOwnerID:  "env:" + domain.SecretTelegramOwnerID,
	})

	v.SetDefault("poll.interval", deploy.DefaultPollInterval.String())
	v.SetDefault("poll.max_attempts", deploy.DefaultPollMaxAttempts)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "~/.local/state/cvmdeploy/journal.db")
	v.SetDefault("journal.encryption_key", "")
	v.SetDefault("journal.lock_ttl", "30m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a broken one does not.
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CVMDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper lowercases map keys; secret names are environment variable names.
	secrets := make(map[string]string, len(cfg.Deployment.Secrets))
	for name, source := range cfg.Deployment.Secrets {
		secrets[strings.ToUpper(name)] = source
	}
	cfg.Deployment.Secrets = secrets

	return &cfg, nil
}

// Validate checks values LoadConfig cannot default away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll.max_attempts must be positive, got %d", c.Poll.MaxAttempts)
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return errors.New("journal.path must not be empty when the journal is enabled")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w (stderr) so they never mix with the transcript on stdout.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
