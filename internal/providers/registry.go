package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds references to LLM clients. It supports config-driven
// instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu          sync.RWMutex
	llmClients  map[string]LLMClient
	defaultName string
	logger      *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		llmClients: make(map[string]LLMClient),
		logger:     slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// RegisterLLM registers an LLM client by name.
func (r *Registry) RegisterLLM(name string, client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmClients[name] = client
	if r.defaultName == "" {
		r.defaultName = name
	}
	if r.logger != nil {
		r.logger.Info("registered LLM client", "name", name)
	}
}

// UnregisterLLM removes an LLM client by name.
func (r *Registry) UnregisterLLM(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.llmClients, name)
	if r.defaultName == name {
		r.defaultName = ""
	}
	if r.logger != nil {
		r.logger.Info("unregistered LLM client", "name", name)
	}
}

// GetLLM returns an LLM client by name.
func (r *Registry) GetLLM(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.llmClients[name]
	if !ok {
		return nil, fmt.Errorf("LLM client not found: %s", name)
	}
	return client, nil
}

// Default returns the default LLM client. All model selectors in task
// configs are resolved against it.
func (r *Registry) Default() (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil, fmt.Errorf("no LLM clients registered")
	}
	client, ok := r.llmClients[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("default LLM client missing: %s", r.defaultName)
	}
	return client, nil
}

// LiveDefault returns an LLMClient view that resolves the registry's current
// default on every call, so long-lived holders survive config reloads.
func (r *Registry) LiveDefault() LLMClient {
	return &liveDefault{r: r}
}

type liveDefault struct {
	r *Registry
}

func (l *liveDefault) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	client, err := l.r.Default()
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, req)
}

func (l *liveDefault) Name() string {
	if client, err := l.r.Default(); err == nil {
		return client.Name()
	}
	return "unconfigured"
}

// SetDefault marks a registered client as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.llmClients[name]; !ok {
		return fmt.Errorf("LLM client not found: %s", name)
	}
	r.defaultName = name
	return nil
}

// ListLLM returns all registered LLM client names.
func (r *Registry) ListLLM() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llmClients))
	for name := range r.llmClients {
		names = append(names, name)
	}
	return names
}

// HasLLM checks if an LLM client is registered.
func (r *Registry) HasLLM(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.llmClients[name]
	return ok
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	// LLMProviders maps provider names to their config
	LLMProviders map[string]LLMProviderConfig

	// DefaultLLM names the provider used when a task does not pin one.
	DefaultLLM string
}

// LLMProviderConfig matches config.LLMProviderCfg with resolved API key.
type LLMProviderConfig struct {
	Type      string  // "openrouter", "openai"
	BaseURL   string  // For openai-compatible endpoints
	Model     string  // Default model name
	APIKey    string  // Resolved API key
	RateLimit float64 // Requests per second
	Enabled   bool
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with valid API keys will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.applyConfig(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered.
// Providers with changed settings will be re-registered.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)

	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.Enabled || provCfg.APIKey == "" {
			continue
		}
		want[name] = true

		existing, hasExisting := r.llmClients[name]
		if !hasExisting || needsLLMUpdate(existing, provCfg) {
			client := createLLMClient(name, provCfg)
			if client != nil {
				r.llmClients[name] = client
				if r.logger != nil {
					if hasExisting {
						r.logger.Info("updated LLM client", "name", name, "type", provCfg.Type)
					} else {
						r.logger.Info("registered LLM client", "name", name, "type", provCfg.Type)
					}
				}
			}
		}
	}

	for name := range r.llmClients {
		if !want[name] {
			delete(r.llmClients, name)
			if r.logger != nil {
				r.logger.Info("unregistered LLM client", "name", name)
			}
		}
	}

	r.resetDefault(cfg.DefaultLLM)
}

// applyConfig applies configuration without conflict checks (used during init).
func (r *Registry) applyConfig(cfg RegistryConfig) {
	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.Enabled || provCfg.APIKey == "" {
			continue
		}
		client := createLLMClient(name, provCfg)
		if client != nil {
			r.llmClients[name] = client
		}
	}
	r.resetDefault(cfg.DefaultLLM)
}

// resetDefault re-derives the default after a config change. Must be called
// with the lock held (or before the registry is shared).
func (r *Registry) resetDefault(preferred string) {
	if preferred != "" {
		if _, ok := r.llmClients[preferred]; ok {
			r.defaultName = preferred
			return
		}
	}
	if _, ok := r.llmClients[r.defaultName]; ok && r.defaultName != "" {
		return
	}
	r.defaultName = ""
	for name := range r.llmClients {
		if r.defaultName == "" || name < r.defaultName {
			r.defaultName = name
		}
	}
}

// createLLMClient creates an LLM client based on provider type. Every client
// is wrapped with a shared token bucket sized from the provider's rate_limit.
func createLLMClient(name string, cfg LLMProviderConfig) LLMClient {
	var client LLMClient
	switch cfg.Type {
	case "openrouter":
		client = NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			RPS:          cfg.RateLimit,
		})
	case "openai", "openai_compatible":
		client = NewOpenAICompatibleClient(OpenAICompatibleConfig{
			Name:         name,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			RateLimit:    cfg.RateLimit,
		})
	default:
		return nil
	}
	return withRateLimit(client, cfg.RateLimit)
}

// needsLLMUpdate checks if an LLM client needs to be recreated.
func needsLLMUpdate(client LLMClient, cfg LLMProviderConfig) bool {
	if rl, ok := client.(*rateLimited); ok {
		client = rl.inner
	}
	switch c := client.(type) {
	case *OpenRouterClient:
		return c.apiKey != cfg.APIKey ||
			c.defaultModel != cfg.Model ||
			c.rps != cfg.RateLimit
	case *OpenAICompatibleClient:
		return c.apiKey != cfg.APIKey ||
			c.baseURL != cfg.BaseURL ||
			c.defaultModel != cfg.Model ||
			c.rateLimit != cfg.RateLimit
	default:
		return true
	}
}
