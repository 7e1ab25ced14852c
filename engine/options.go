package engine

import (
	"log/slog"
	"time"
)

// Config holds engine configuration.
type Config struct {
	Logger          *slog.Logger
	Env             map[string]string
	BackendID       string
	CLIPath         string // Path to the agent binary (default: "claude")
	Model           string
	SystemPrompt    string
	WorkDir         string
	AllowedTools    []string
	DisallowedTools []string
	ExtraArgs       []string
	Timeout         time.Duration
	GracePeriod     time.Duration
}

// Option is a functional option for configuring an Engine.
type Option func(*Config)

// WithCLIPath sets the agent binary.
func WithCLIPath(path string) Option {
	return func(c *Config) {
		c.CLIPath = path
	}
}

// WithBackendID sets the id reported in outcomes and errors.
func WithBackendID(id string) Option {
	return func(c *Config) {
		c.BackendID = id
	}
}

// WithTimeout sets the wall-clock budget of one call. Time spent blocked in
// the event sink is not charged against it.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithGracePeriod sets how long a process group gets between SIGTERM and
// SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.GracePeriod = d
	}
}

// WithAllowedTools sets the --allowedTools list.
func WithAllowedTools(tools ...string) Option {
	return func(c *Config) {
		c.AllowedTools = tools
	}
}

// WithDisallowedTools sets the --disallowedTools list.
func WithDisallowedTools(tools ...string) Option {
	return func(c *Config) {
		c.DisallowedTools = tools
	}
}

// WithSystemPrompt sets the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(c *Config) {
		c.SystemPrompt = p
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithWorkDir sets the working directory of the process.
func WithWorkDir(dir string) Option {
	return func(c *Config) {
		c.WorkDir = dir
	}
}

// WithEnv sets additional environment variables for the process.
func WithEnv(env map[string]string) Option {
	return func(c *Config) {
		c.Env = env
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithExtraArgs appends arguments before the prompt separator (escape hatch).
func WithExtraArgs(args ...string) Option {
	return func(c *Config) {
		c.ExtraArgs = args
	}
}

func defaultConfig() Config {
	return Config{
		BackendID:   "claude",
		CLIPath:     "claude",
		Timeout:     5 * time.Minute,
		GracePeriod: 500 * time.Millisecond,
	}
}
