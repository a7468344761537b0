package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "INKWELL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "inkwell.db"
	defaultLogLevel         = "info"
	defaultAuthIssuer       = "inkwell-auth"
	defaultCookieName       = "inkwell_session"
	defaultStorageTimeout   = 10 * time.Second
	defaultAutosaveDebounce = 2 * time.Second
	defaultCommitMode       = "transactional"
	defaultRetryInterval    = 5 * time.Second
	defaultTokenTTL         = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AuthTokenTTL       time.Duration
	AllowedOrigins     []string
	StorageTimeout     time.Duration
	AutosaveDebounce   time.Duration
	VersionCommitMode  string
	VersionRetryPeriod time.Duration
	RedisURL           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("storage.timeout", defaultStorageTimeout)
	configViper.SetDefault("autosave.debounce", defaultAutosaveDebounce)
	configViper.SetDefault("versions.commit_mode", defaultCommitMode)
	configViper.SetDefault("versions.retry_interval", defaultRetryInterval)
	configViper.SetDefault("redis.url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		StorageTimeout:     configViper.GetDuration("storage.timeout"),
		AutosaveDebounce:   configViper.GetDuration("autosave.debounce"),
		VersionCommitMode:  strings.ToLower(strings.TrimSpace(configViper.GetString("versions.commit_mode"))),
		VersionRetryPeriod: configViper.GetDuration("versions.retry_interval"),
		RedisURL:           strings.TrimSpace(configViper.GetString("redis.url")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive")
	}
	if c.AutosaveDebounce <= 0 {
		return fmt.Errorf("autosave.debounce must be positive")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.VersionCommitMode != "transactional" && c.VersionCommitMode != "queued" {
		return fmt.Errorf("versions.commit_mode must be transactional or queued, got %q", c.VersionCommitMode)
	}
	if c.VersionRetryPeriod <= 0 {
		return fmt.Errorf("versions.retry_interval must be positive")
	}
	return nil
}
