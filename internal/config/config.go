package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "NOTIONWATCH"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabasePath            = "notionwatch.db"
	defaultLogLevel                = "info"
	defaultCommandPrefix           = "*"
	defaultTokenTTLMinutes         = 1440
	defaultTickSeconds             = 60
	defaultMaxConcurrentMonitors   = 1
	defaultNotionBaseURL           = "https://api.notion.com"
	defaultNotionAPIVersion        = "2022-06-28"
	defaultNotionRequestsPerSecond = 3.0
	defaultNotionMaxRetries        = 2
)

// AppConfig captures runtime configuration for the bot, scheduler and admin API.
// CommandPrefix is loaded from discord.prefix and PREFIX but no chat commands
// are registered; configuration goes through the admin API.
type AppConfig struct {
	DiscordToken          string
	CommandPrefix         string
	HTTPAddress           string
	AdminSigningSecret    string
	AdminTokenTTL         time.Duration
	DatabasePath          string
	LogLevel              string
	TickInterval          time.Duration
	MaxConcurrentMonitors int
	NotionBaseURL         string
	NotionAPIVersion      string
	NotionRequestsPerSec  float64
	NotionMaxRetries      int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
// The bot token and command prefix are also read from the bare TOKEN and
// PREFIX variables.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
	_ = configViper.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", "TOKEN")
	_ = configViper.BindEnv("discord.prefix", envPrefix+"_DISCORD_PREFIX", "PREFIX")

	configViper.SetDefault("discord.prefix", defaultCommandPrefix)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("scheduler.tick_seconds", defaultTickSeconds)
	configViper.SetDefault("scheduler.max_concurrent_monitors", defaultMaxConcurrentMonitors)
	configViper.SetDefault("notion.base_url", defaultNotionBaseURL)
	configViper.SetDefault("notion.api_version", defaultNotionAPIVersion)
	configViper.SetDefault("notion.requests_per_second", defaultNotionRequestsPerSecond)
	configViper.SetDefault("notion.max_retries", defaultNotionMaxRetries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DiscordToken:          strings.TrimSpace(configViper.GetString("discord.token")),
		CommandPrefix:         configViper.GetString("discord.prefix"),
		HTTPAddress:           configViper.GetString("http.address"),
		AdminSigningSecret:    configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:         time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		TickInterval:          time.Duration(configViper.GetInt("scheduler.tick_seconds")) * time.Second,
		MaxConcurrentMonitors: configViper.GetInt("scheduler.max_concurrent_monitors"),
		NotionBaseURL:         configViper.GetString("notion.base_url"),
		NotionAPIVersion:      configViper.GetString("notion.api_version"),
		NotionRequestsPerSec:  configViper.GetFloat64("notion.requests_per_second"),
		NotionMaxRetries:      configViper.GetInt("notion.max_retries"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AdminEnabled reports whether the admin API can authenticate requests.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminSigningSecret) != ""
}

// ValidateBot checks the settings needed to connect the bot.
func (c AppConfig) ValidateBot() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("discord.token is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_seconds must be at least 1")
	}
	if c.MaxConcurrentMonitors < 1 {
		return fmt.Errorf("scheduler.max_concurrent_monitors must be at least 1")
	}
	if c.NotionRequestsPerSec <= 0 {
		return fmt.Errorf("notion.requests_per_second must be positive")
	}
	if c.NotionMaxRetries < 0 {
		return fmt.Errorf("notion.max_retries must not be negative")
	}
	return nil
}
