package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"

	"novelext/pkg/source"
)

const (
	DefaultBaseURL      = "https://annas-archive.org"
	DefaultImage        = "https://s4.anilist.co/file/anilistcdn/media/manga/cover/medium/default.jpg"
	DefaultFormat       = "epub"
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultPluginSymbol = source.SymbolName

	DefaultRequestsPerSecond = 2
	DefaultBurst             = 5
	DefaultRetryAttempts     = 3
)

var formatPattern = regexp.MustCompile(`^[a-z0-9]+$`)

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a page cache should be created.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type AnnaConfig struct {
	BaseURL             string `json:"base_url"`
	DefaultImage        string `json:"default_image"`
	Format              string `json:"format"`
	FollowSlowDownloads bool   `json:"follow_slow_downloads"`
}

// RateLimitConfig throttles requests to upstream sites.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	Disabled          bool    `json:"disabled"`
}

type PluginConfig struct {
	Path   string `json:"path"`
	Symbol string `json:"symbol"`
}

type Config struct {
	Anna              AnnaConfig      `json:"anna"`
	Redis             RedisConfig     `json:"redis"`
	MemoryCache       bool            `json:"memory_cache"`
	Plugins           []PluginConfig  `json:"plugins"`
	RequestTimeout    int             `json:"request_timeout"`
	MaxResponseSizeMB int             `json:"max_response_size_mb"`
	UserAgent         string          `json:"user_agent"`
	RateLimit         RateLimitConfig `json:"rate_limit"`
	RetryAttempts     int             `json:"retry_attempts"`
	CORSOrigins       []string        `json:"cors_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	config := &Config{}
	setDefaults(config)
	return config
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	u, err := url.Parse(config.Anna.BaseURL)
	if err != nil {
		return fmt.Errorf("anna.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("anna.base_url must be an absolute http(s) URL, got '%s'", config.Anna.BaseURL)
	}

	if !formatPattern.MatchString(config.Anna.Format) {
		return fmt.Errorf("anna.format: invalid format '%s'", config.Anna.Format)
	}

	if config.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if config.MaxResponseSizeMB < 0 {
		return fmt.Errorf("max_response_size_mb must not be negative")
	}
	if config.RateLimit.RequestsPerSecond < 0 || config.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if config.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative")
	}

	for i, plugin := range config.Plugins {
		if plugin.Path == "" {
			return fmt.Errorf("plugins[%d]: path is required", i)
		}
	}

	return nil
}

func setDefaults(config *Config) {
	if config.Anna.BaseURL == "" {
		config.Anna.BaseURL = DefaultBaseURL
	}
	if config.Anna.DefaultImage == "" {
		config.Anna.DefaultImage = DefaultImage
	}
	if config.Anna.Format == "" {
		config.Anna.Format = DefaultFormat
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30
	}
	if config.MaxResponseSizeMB == 0 {
		config.MaxResponseSizeMB = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.RateLimit.RequestsPerSecond == 0 {
		config.RateLimit.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = DefaultBurst
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = DefaultRetryAttempts
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = []string{"*"}
	}
	for i := range config.Plugins {
		if config.Plugins[i].Symbol == "" {
			config.Plugins[i].Symbol = DefaultPluginSymbol
		}
	}
}
