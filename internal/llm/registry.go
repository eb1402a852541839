package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// Provider describes how to reach one configured provider.
type Provider struct {
	Name      string
	Family    string
	BaseURL   string
	MaxTokens int
	// APIKey, when set, is used if the invocation supplies no key.
	APIKey string
}

// builtinProviders lists the providers Steward knows how to reach
// without configuration. BaseURL is the API root including its version
// segment; OpenAI-family requests append /chat/completions.
var builtinProviders = map[string]Provider{
	"anthropic": {Family: "anthropic", BaseURL: "", MaxTokens: 8096},
	"openai":    {Family: "openai", BaseURL: "https://api.openai.com/v1", MaxTokens: 16384},
	"groq":      {Family: "openai", BaseURL: "https://api.groq.com/openai/v1", MaxTokens: 8192},
	"deepseek":  {Family: "openai", BaseURL: "https://api.deepseek.com/v1", MaxTokens: 8192},
	"gemini":    {Family: "openai", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", MaxTokens: 32768},
	"qwen":      {Family: "openai", BaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", MaxTokens: 16384},
	"kimi":      {Family: "openai", BaseURL: "https://api.moonshot.ai/v1", MaxTokens: 32768},
	"ollama":    {Family: "openai", BaseURL: "http://localhost:11434/v1", MaxTokens: 8192},
}

// Registry maps provider names to adapters and request options.
type Registry struct {
	adapters  map[string]Adapter // family → adapter
	providers map[string]Provider
}

// NewRegistry creates a registry with both adapter families and every
// built-in provider.
func NewRegistry(httpClient *http.Client, logger *slog.Logger) *Registry {
	r := &Registry{
		adapters:  make(map[string]Adapter),
		providers: make(map[string]Provider, len(builtinProviders)),
	}
	r.AddAdapter(NewAnthropicAdapter(httpClient, logger))
	r.AddAdapter(NewOpenAIAdapter(httpClient, logger))
	for name, p := range builtinProviders {
		p.Name = name
		r.providers[name] = p
	}
	return r
}

// AddAdapter registers an adapter under its family name.
func (r *Registry) AddAdapter(a Adapter) {
	r.adapters[a.Family()] = a
}

// Configure overrides a provider's endpoint, output limit or key.
// Unknown names are added as OpenAI-compatible providers.
func (r *Registry) Configure(name, baseURL string, maxTokens int, apiKey string) {
	p, ok := r.providers[name]
	if !ok {
		p = Provider{Name: name, Family: "openai", MaxTokens: 8192}
	}
	if baseURL != "" {
		p.BaseURL = baseURL
	}
	if maxTokens > 0 {
		p.MaxTokens = maxTokens
	}
	if apiKey != "" {
		p.APIKey = apiKey
	}
	r.providers[name] = p
}

// SetOllamaURL points the ollama provider at a server root such as
// http://gpu-box:11434.
func (r *Registry) SetOllamaURL(root string) {
	if root == "" {
		return
	}
	p := r.providers["ollama"]
	p.BaseURL = strings.TrimRight(root, "/") + "/v1"
	r.providers["ollama"] = p
}

// Resolve returns the adapter and options for a provider name.
func (r *Registry) Resolve(name string) (Adapter, Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, Provider{}, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	a, ok := r.adapters[p.Family]
	if !ok {
		return nil, Provider{}, fmt.Errorf("no adapter for provider family %q", p.Family)
	}
	return a, p, nil
}

// Options converts a provider into request options.
func (p Provider) Options() Options {
	return Options{Provider: p.Name, BaseURL: p.BaseURL, MaxOutputTokens: p.MaxTokens}
}

// Names lists the known provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
