package config

import "regexp"

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// DefaultPricing returns list prices for the models the agent is
// commonly pointed at. Models missing from the table are costed at zero.
func DefaultPricing() map[string]PricingEntry {
	return map[string]PricingEntry{
		"claude-opus-4-6":           {InputPerMillion: 15, OutputPerMillion: 75},
		"claude-sonnet-4-6":         {InputPerMillion: 3, OutputPerMillion: 15},
		"claude-haiku-4-5-20251001": {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		"gpt-4o":                    {InputPerMillion: 2.5, OutputPerMillion: 10},
		"gpt-4o-mini":               {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		"deepseek-chat":             {InputPerMillion: 0.27, OutputPerMillion: 1.10},
		"deepseek-reasoner":         {InputPerMillion: 0.55, OutputPerMillion: 2.19},
		"gemini-3-flash-preview":    {InputPerMillion: 0.5, OutputPerMillion: 3},
		"gemini-3-pro-preview":      {InputPerMillion: 2, OutputPerMillion: 12},
		"gemini-2.5-flash":          {InputPerMillion: 0.3, OutputPerMillion: 2.5},
		"gemini-2.5-flash-lite":     {InputPerMillion: 0.1, OutputPerMillion: 0.4},
		"gemini-2.0-flash":          {InputPerMillion: 0.1, OutputPerMillion: 0.4},
		"qwen3-max":                 {InputPerMillion: 0.4, OutputPerMillion: 1.2},
		"qwen3-plus":                {InputPerMillion: 0.07, OutputPerMillion: 0.21},
		"kimi-k2-turbo":             {InputPerMillion: 0.6, OutputPerMillion: 2.5},
		"kimi-k2.5":                 {InputPerMillion: 0.6, OutputPerMillion: 3},
	}
}

// DefaultProtectedPaths lists the files that govern the agent itself:
// the server code, sign-in, schema migrations and the admin pages that
// approve its work.
func DefaultProtectedPaths() []string {
	return []string{
		"api/",
		"js/auth.js",
		"migrations/",
		"admin.html",
		"triage.html",
		"proposals.html",
	}
}
