package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/iabuilder/errors"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".iabuilder"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Backend overrides connection details for one backend family.
type Backend struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	// TextToolResults renders tool results as plain user text for models
	// that reject the structured tool-result role.
	TextToolResults bool `yaml:"text_tool_results"`
}

// ModelLimits overrides the built-in budget and context limit for a model.
// Zero fields keep the built-in value.
type ModelLimits struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	TokensPerWindow   int           `yaml:"tokens_per_window"`
	Window            time.Duration `yaml:"window"`
	ContextLimit      int           `yaml:"context_limit"`

	// SupportsTools and SupportsParallelTools override the built-in
	// capabilities when set.
	SupportsTools         *bool `yaml:"supports_tools"`
	SupportsParallelTools *bool `yaml:"supports_parallel_tools"`
}

type Loop struct {
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// MaxRetries is nil until defaults apply, so an explicit 0 disables retries.
	MaxRetries *int `yaml:"max_retries"`

	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
}

// Retries returns how many times a failed model call is retried.
func (l Loop) Retries() int {
	if l.MaxRetries == nil {
		return 0
	}
	return *l.MaxRetries
}

type Context struct {
	// HighWater is the fraction of the context limit above which the
	// transcript is compressed.
	HighWater      float64 `yaml:"high_water"`
	RetainMessages int     `yaml:"retain_messages"`
}

type Sampling struct {
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type Config struct {
	LLMClient            string                 `yaml:"llm"`
	Model                string                 `yaml:"model"`
	Mode                 string                 `yaml:"mode"`
	ToolVerbosity        string                 `yaml:"tool_verbosity"`
	LogLevel             string                 `yaml:"log_level"`
	SystemPrompt         string                 `yaml:"system_prompt"`
	Backends             map[string]Backend     `yaml:"backends"`
	Models               map[string]ModelLimits `yaml:"models"`
	Loop                 Loop                   `yaml:"loop"`
	Context              Context                `yaml:"context"`
	Sampling             Sampling               `yaml:"sampling"`
	Toolsets             []Toolset              `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer            `yaml:"additional_mcp_servers"`
	AllowedCommands      []string               `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess       `yaml:"filesystem_access"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DirName, "config.yaml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths, filepath.Join(wd, DirName, "config.yaml"))
	return LoadFiles(paths...)
}

// LoadFiles merges the given files in order, later files overriding earlier
// ones. Missing files are skipped. Defaults fill whatever is left unset.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := &Config{}
	// The config directory itself is always hidden from file tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, DirName, DirName+"/**")

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Keys present in the file replace what earlier files set.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.LLMClient == "" {
		c.LLMClient = "mock"
	}
	if c.Model == "" && c.LLMClient == "mock" {
		c.Model = "echo"
	}
	if c.Mode == "" {
		c.Mode = "auto"
	}
	if c.ToolVerbosity == "" {
		c.ToolVerbosity = "info"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.Loop.MaxToolRounds <= 0 {
		c.Loop.MaxToolRounds = 12
	}
	switch {
	case c.Loop.MaxRetries == nil:
		retries := 2
		c.Loop.MaxRetries = &retries
	case *c.Loop.MaxRetries < 0:
		retries := 0
		c.Loop.MaxRetries = &retries
	}
	if c.Loop.RetryBackoff <= 0 {
		c.Loop.RetryBackoff = time.Second
	}
	if c.Loop.ToolTimeout <= 0 {
		c.Loop.ToolTimeout = 60 * time.Second
	}
	if c.Loop.MaxParallelTools <= 0 {
		c.Loop.MaxParallelTools = 4
	}
	if c.Context.HighWater <= 0 || c.Context.HighWater >= 1 {
		c.Context.HighWater = 0.85
	}
	if c.Context.RetainMessages <= 0 {
		c.Context.RetainMessages = 6
	}
	if c.Sampling.MaxTokens <= 0 {
		c.Sampling.MaxTokens = 4096
	}
	if len(c.Toolsets) == 0 {
		c.Toolsets = []Toolset{{Name: "default"}}
	}
}

// BackendSettings returns the configured overrides for backend, if any.
func (c *Config) BackendSettings(backend string) Backend {
	return c.Backends[backend]
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
