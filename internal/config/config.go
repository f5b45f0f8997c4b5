// Package config provides YAML-based configuration loading for MAI, with
// .env and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultModels is the fallback chain, most capable first.
var DefaultModels = []string{
	"openai/gpt-oss-120b",
	"llama-3.3-70b-versatile",
	"llama-3.1-8b-instant",
}

// Config is the top-level MAI configuration, loaded from mai.yaml.
type Config struct {
	Operator      string        `yaml:"operator"`
	KnowledgeFile string        `yaml:"knowledge_file"`
	Discord       DiscordConfig `yaml:"discord"`
	LLM           LLMConfig     `yaml:"llm"`
	Search        SearchConfig  `yaml:"search"`
	Health        HealthConfig  `yaml:"health"`
	Proxy         ProxyConfig   `yaml:"proxy"`
	Log           LogConfig     `yaml:"log"`
}

// DiscordConfig holds the bot connection and routing settings.
type DiscordConfig struct {
	Token                    string   `yaml:"token"`
	IgnoreChannelsContaining []string `yaml:"ignore_channels_containing"`
	HistoryLimit             int      `yaml:"history_limit"`
}

// LLMConfig holds the Groq backend settings.
type LLMConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Models      []string `yaml:"models"`
	Temperature float64  `yaml:"temperature"`
}

// SearchConfig bounds transcript search results.
type SearchConfig struct {
	TotalCap         int `yaml:"total_cap"`
	SingleChannelCap int `yaml:"single_channel_cap"`
	MultiChannelCap  int `yaml:"multi_channel_cap"`
}

// HealthConfig controls the HTTP liveness endpoint.
type HealthConfig struct {
	Disabled bool `yaml:"disabled"`
	Port     int  `yaml:"port"`
}

// ProxyConfig controls Webshare proxy acquisition. An empty token disables it.
type ProxyConfig struct {
	Token    string `yaml:"token"`
	APIURL   string `yaml:"api_url"`
	Schedule string `yaml:"schedule"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads a YAML config file from path, applies .env and environment
// overrides, and returns a validated Config. A missing file is allowed
// unless required is set, so env-only deployments work.
func Load(path string, required bool) (*Config, error) {
	// Real environment variables win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			data = nil
		} else {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config, without environment
// overrides.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := getenv("GROQ_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := getenv("MAI_OPERATOR"); v != "" {
		c.Operator = v
	}
	if v := getenv("WEBSHARE_TOKEN"); v != "" {
		c.Proxy.Token = v
	} else if v := getenv("PROXY"); v != "" {
		c.Proxy.Token = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q: %w", v, err)
		}
		c.Health.Port = port
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Discord.IgnoreChannelsContaining == nil {
		c.Discord.IgnoreChannelsContaining = []string{"ticket"}
	}
	if c.Discord.HistoryLimit == 0 {
		c.Discord.HistoryLimit = 5
	}
	if len(c.LLM.Models) == 0 {
		c.LLM.Models = append([]string(nil), DefaultModels...)
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.Search.TotalCap == 0 {
		c.Search.TotalCap = 25
	}
	if c.Search.SingleChannelCap == 0 {
		c.Search.SingleChannelCap = 50
	}
	if c.Search.MultiChannelCap == 0 {
		c.Search.MultiChannelCap = 10
	}
	if c.Health.Port == 0 {
		c.Health.Port = 8000
	}
	if c.Proxy.Schedule == "" {
		c.Proxy.Schedule = "0 */6 * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all fields are consistent. Secrets are checked by
// the commands that need them.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.HistoryLimit < 0 {
		errs = append(errs, "discord.history_limit must not be negative")
	}
	for i, m := range c.LLM.Models {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Sprintf("llm.models[%d] is empty", i))
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if c.Search.TotalCap < 0 || c.Search.SingleChannelCap < 0 || c.Search.MultiChannelCap < 0 {
		errs = append(errs, "search caps must not be negative")
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		errs = append(errs, fmt.Sprintf("health.port %d out of range", c.Health.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
