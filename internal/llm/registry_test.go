package llm

import (
	"net/http"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(http.DefaultClient, nil)

	tests := []struct {
		provider  string
		family    string
		baseURL   string
		maxTokens int
	}{
		{"anthropic", "anthropic", "", 8096},
		{"openai", "openai", "https://api.openai.com/v1", 16384},
		{"gemini", "openai", "https://generativelanguage.googleapis.com/v1beta/openai", 32768},
		{"kimi", "openai", "https://api.moonshot.ai/v1", 32768},
		{"deepseek", "openai", "https://api.deepseek.com/v1", 8192},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			a, p, err := r.Resolve(tt.provider)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if a.Family() != tt.family {
				t.Errorf("family = %q, want %q", a.Family(), tt.family)
			}
			opts := p.Options()
			if opts.Provider != tt.provider || opts.BaseURL != tt.baseURL || opts.MaxOutputTokens != tt.maxTokens {
				t.Errorf("Options() = %+v", opts)
			}
		})
	}
}

func TestRegistryResolve_Unknown(t *testing.T) {
	if _, _, err := NewRegistry(http.DefaultClient, nil).Resolve("watson"); err == nil {
		t.Fatal("Resolve(unknown) should fail")
	}
}

func TestRegistryConfigure(t *testing.T) {
	r := NewRegistry(http.DefaultClient, nil)
	r.SetOllamaURL("http://gpu-box:11434/")
	r.Configure("groq", "", 4096, "gsk")
	r.Configure("openrouter", "https://openrouter.ai/api/v1", 0, "")

	_, p, _ := r.Resolve("ollama")
	if p.BaseURL != "http://gpu-box:11434/v1" {
		t.Errorf("ollama BaseURL = %q", p.BaseURL)
	}
	_, p, _ = r.Resolve("groq")
	if p.MaxTokens != 4096 || p.APIKey != "gsk" || p.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("groq = %+v", p)
	}
	a, p, err := r.Resolve("openrouter")
	if err != nil {
		t.Fatalf("Resolve(openrouter): %v", err)
	}
	if a.Family() != "openai" || p.MaxTokens != 8192 {
		t.Errorf("openrouter = %+v family %s", p, a.Family())
	}
}
