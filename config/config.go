// Package config loads switchboard's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds.
const (
	KindProcess = "process"
	KindHTTP    = "http"
)

// HTTP APIs an http provider can speak.
const (
	APIAnthropic = "anthropic"
	APIOpenAI    = "openai"
	APIGemini    = "gemini"
)

// Duration is a time.Duration that reads "30s"-style YAML strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Provider configures one backend.
type Provider struct {
	ID            string `yaml:"id"`
	Label         string `yaml:"label"`
	Kind          string `yaml:"kind"`
	Model         string `yaml:"model"`
	DeveloperMode bool   `yaml:"developer_mode"`
	Disabled      bool   `yaml:"disabled"`

	// Process backends.
	CLIPath         string   `yaml:"cli_path"`
	WorkDir         string   `yaml:"work_dir"`
	SystemPrompt    string   `yaml:"system_prompt"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	ExtraArgs       []string `yaml:"extra_args"`
	Timeout         Duration `yaml:"timeout"`
	GracePeriod     Duration `yaml:"grace_period"`

	// HTTP backends.
	API       string `yaml:"api"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Routing configures candidate order.
type Routing struct {
	Default           string   `yaml:"default"`
	Fallback          []string `yaml:"fallback"`
	DeveloperFallback []string `yaml:"developer_fallback"`
	DeveloperPrompt   string   `yaml:"developer_prompt"`
	HistoryLimit      int      `yaml:"history_limit"`
}

// Confirmation configures the dangerous-tool gate. Empty lists keep the
// built-in defaults.
type Confirmation struct {
	DangerousTools      []string `yaml:"dangerous_tools"`
	ShellTools          []string `yaml:"shell_tools"`
	DestructivePatterns []string `yaml:"destructive_patterns"`
	Timeout             Duration `yaml:"timeout"`
}

// Outbound configures chunking and edit throttling.
type Outbound struct {
	Marker   string   `yaml:"marker"`
	Interval Duration `yaml:"interval"`
	MaxLen   int      `yaml:"max_len"`
}

// Status configures stream-state garbage collection.
type Status struct {
	IdleTTL    Duration `yaml:"idle_ttl"`
	GCInterval Duration `yaml:"gc_interval"`
}

// Telegram configures the bot transport. An empty token disables it.
type Telegram struct {
	Token        string   `yaml:"token"`
	BaseURL      string   `yaml:"base_url"`
	AllowedChats []int64  `yaml:"allowed_chats"`
	PollTimeout  Duration `yaml:"poll_timeout"`
}

// NATS configures the event bus. An empty URL disables it.
type NATS struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Prefix string `yaml:"prefix"`
}

// Database configures persistence. An empty URL keeps state in memory.
type Database struct {
	URL string `yaml:"url"`
}

// HTTP configures the API server.
type HTTP struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"api_token"`
}

// Config is the whole configuration file.
type Config struct {
	LogLevel     string       `yaml:"log_level"`
	LogFormat    string       `yaml:"log_format"`
	HTTP         HTTP         `yaml:"http"`
	Providers    []Provider   `yaml:"providers"`
	Routing      Routing      `yaml:"routing"`
	Confirmation Confirmation `yaml:"confirmation"`
	Outbound     Outbound     `yaml:"outbound"`
	Status       Status       `yaml:"status"`
	Telegram     Telegram     `yaml:"telegram"`
	NATS         NATS         `yaml:"nats"`
	Database     Database     `yaml:"database"`
}

// Default returns the configuration used when no file exists: the claude
// CLI first, then the HTTP APIs whose keys are set.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTP:      HTTP{Addr: ":8080"},
		Providers: []Provider{
			{ID: "claude", Label: "Claude Code", Kind: KindProcess, CLIPath: "claude"},
			{ID: "anthropic", Label: "Anthropic API", Kind: KindHTTP, API: APIAnthropic,
				Model: "claude-sonnet-4-20250514", DeveloperMode: true},
			{ID: "gemini", Label: "Gemini", Kind: KindHTTP, API: APIGemini,
				Model: "gemini-2.5-flash", DeveloperMode: true},
			{ID: "openai", Label: "OpenAI", Kind: KindHTTP, API: APIOpenAI,
				Model: "gpt-4o-mini", DeveloperMode: true},
		},
		Routing: Routing{
			Default:         "claude",
			Fallback:        []string{"claude", "anthropic", "gemini", "openai"},
			DeveloperPrompt: "You are a senior software engineer. Answer precisely and show code where it helps.",
			HistoryLimit:    20,
		},
		Confirmation: Confirmation{Timeout: Duration(5 * time.Minute)},
		Outbound: Outbound{
			Interval: Duration(500 * time.Millisecond),
			MaxLen:   4000,
			Marker:   "\n…(continued)",
		},
		Status: Status{
			IdleTTL:    Duration(time.Hour),
			GCInterval: Duration(5 * time.Minute),
		},
		Telegram: Telegram{PollTimeout: Duration(30 * time.Second)},
		NATS:     NATS{Prefix: "switchboard"},
	}
}

// Load reads path over Default, then applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = envStr("SWITCHBOARD_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("SWITCHBOARD_LOG_FORMAT", c.LogFormat)
	c.HTTP.Addr = envStr("SWITCHBOARD_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.APIToken = envStr("SWITCHBOARD_API_TOKEN", c.HTTP.APIToken)
	c.Routing.Default = envStr("SWITCHBOARD_DEFAULT_PROVIDER", c.Routing.Default)
	c.Routing.HistoryLimit = envInt("SWITCHBOARD_HISTORY_LIMIT", c.Routing.HistoryLimit)
	c.Telegram.Token = envStr("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.NATS.URL = envStr("NATS_URL", c.NATS.URL)
	c.NATS.Token = envStr("NATS_TOKEN", c.NATS.Token)
	c.Database.URL = envStr("DATABASE_URL", c.Database.URL)

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind != KindHTTP || p.APIKey != "" {
			continue
		}
		key := p.APIKeyEnv
		if key == "" {
			key = defaultKeyEnv(p.API)
		}
		p.APIKey = os.Getenv(key)
	}
}

func defaultKeyEnv(api string) string {
	switch api {
	case APIAnthropic:
		return "ANTHROPIC_API_KEY"
	case APIOpenAI:
		return "OPENAI_API_KEY"
	case APIGemini:
		return "GEMINI_API_KEY"
	}
	return ""
}

// Validate checks provider ids and routing references.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Providers))
	var errs []error
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: missing id", i))
			continue
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		ids[p.ID] = true
		switch p.Kind {
		case KindProcess:
		case KindHTTP:
			switch p.API {
			case APIAnthropic, APIOpenAI, APIGemini:
			default:
				errs = append(errs, fmt.Errorf("provider %s: unknown api %q", p.ID, p.API))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind))
		}
	}
	check := func(field string, refs ...string) {
		for _, id := range refs {
			if id != "" && !ids[id] {
				errs = append(errs, fmt.Errorf("routing.%s: unknown provider %q", field, id))
			}
		}
	}
	check("default", c.Routing.Default)
	check("fallback", c.Routing.Fallback...)
	check("developer_fallback", c.Routing.DeveloperFallback...)
	return errors.Join(errs...)
}

// Provider returns the provider with id.
func (c *Config) Provider(id string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// Enabled returns the providers not marked disabled.
func (c *Config) Enabled() []Provider {
	out := make([]Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Providers = append([]Provider(nil), c.Providers...)
	for i := range cp.Providers {
		cp.Providers[i].APIKey = mask(cp.Providers[i].APIKey)
	}
	cp.Telegram.Token = mask(cp.Telegram.Token)
	cp.NATS.Token = mask(cp.NATS.Token)
	cp.HTTP.APIToken = mask(cp.HTTP.APIToken)
	if cp.Database.URL != "" {
		cp.Database.URL = "(set)"
	}
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
