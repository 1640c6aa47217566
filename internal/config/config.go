package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "PATHSYNC"
	defaultHTTPAddress      = "127.0.0.1:8090"
	defaultDatabasePath     = "pathsync.db"
	defaultLogLevel         = "info"
	defaultAPIBaseURL       = "https://story-api.dicoding.dev/v1"
	defaultCredentialsPath  = "pathsync-token"
	defaultMaxAttempts      = 3
	defaultSyncInterval     = 5 * time.Minute
	defaultCacheTTL         = 5 * time.Minute
	defaultProbeInterval    = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress     string
	APIBaseURL      string
	DatabasePath    string
	CredentialsPath string
	LogLevel        string
	MaxAttempts     int
	SyncInterval    time.Duration
	CacheTTL        time.Duration
	ProbeInterval   time.Duration
	ProbeURL        string
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
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("credentials.path", defaultCredentialsPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("connectivity.probe_url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		APIBaseURL:      configViper.GetString("api.base_url"),
		DatabasePath:    configViper.GetString("database.path"),
		CredentialsPath: configViper.GetString("credentials.path"),
		LogLevel:        configViper.GetString("log.level"),
		MaxAttempts:     configViper.GetInt("sync.max_attempts"),
		SyncInterval:    configViper.GetDuration("sync.interval"),
		CacheTTL:        configViper.GetDuration("cache.ttl"),
		ProbeInterval:   configViper.GetDuration("connectivity.probe_interval"),
		ProbeURL:        configViper.GetString("connectivity.probe_url"),
	}

	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.APIBaseURL
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}
