package config

// Config holds skim configuration.
// Stored at: ~/.skim/config.yaml
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Paddle       PaddleCfg                 `mapstructure:"paddle" yaml:"paddle"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Server       ServerCfg                 `mapstructure:"server" yaml:"server"`
}

// LLMProviderCfg configures one LLM provider.
type LLMProviderCfg struct {
	Type      string  `mapstructure:"type" yaml:"type"`             // "openrouter", "openai", "openai_compatible"
	BaseURL   string  `mapstructure:"base_url" yaml:"base_url"`     // For openai_compatible endpoints
	Model     string  `mapstructure:"model" yaml:"model"`           // Default model
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// PaddleCfg holds the PaddleOCR sidecar configuration.
type PaddleCfg struct {
	// Enabled turns structured OCR on. With it off, extraction uses the fast
	// local pass only.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Manage lets skim start and stop the sidecar container itself. With it
	// off, BaseURL must point at an externally managed instance.
	Manage        bool   `mapstructure:"manage" yaml:"manage"`
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Image         string `mapstructure:"image" yaml:"image"`
	Port          string `mapstructure:"port" yaml:"port"`
	// ModelDir caches downloaded OCR models across container restarts.
	ModelDir string `mapstructure:"model_dir" yaml:"model_dir"`
}

// DefaultsCfg holds pipeline-wide defaults.
type DefaultsCfg struct {
	// LLMProvider names the provider task model selectors resolve against.
	LLMProvider string `mapstructure:"llm_provider" yaml:"llm_provider"`
	// Concurrency bounds per-run paper fan-out.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// HistoryKeepMonths bounds the run journal; 0 keeps everything.
	HistoryKeepMonths int `mapstructure:"history_keep_months" yaml:"history_keep_months"`
}

// ServerCfg holds the control API listen address.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openrouter": {
				Type:      "openrouter",
				Model:     "qwen/qwen3-30b-a3b",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 60,
				Enabled:   true,
			},
		},
		Paddle: PaddleCfg{
			Enabled:       true,
			Manage:        true,
			BaseURL:       "http://localhost:8111",
			ContainerName: "skim-paddleocr",
			Image:         "ghcr.io/jackzampolin/skim-paddleocr:latest",
			Port:          "8111",
		},
		Defaults: DefaultsCfg{
			LLMProvider: "openrouter",
			Concurrency: 3,
		},
		Server: ServerCfg{
			Host: "localhost",
			Port: "8112",
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
