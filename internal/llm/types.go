// Package llm adapts LLM provider completion APIs to one request and
// result contract. Each provider family owns its wire format; callers
// only pick an adapter by provider name through a Registry.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug and used for full request/response payloads.
const LevelTrace = slog.Level(-8)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 4096

// Message roles in the common history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalized stop reasons. Provider-specific values that have no
// equivalent pass through unchanged.
const (
	StopEnd       = "stop"
	StopToolCalls = "tool_calls"
	StopLength    = "length"
)

// Message is one entry of a conversation history. Plain text turns use
// Role and Content. Assistant turns that requested tools carry ToolCalls
// (and RawToolCalls when the provider needs them echoed verbatim). Tool
// results are either grouped into one message (ToolResults) or sent one
// per message (Role "tool" with ToolCallID), depending on the adapter
// that appended them.
type Message struct {
	Role         string
	Content      string
	ToolCalls    []ToolCall
	RawToolCalls json.RawMessage
	ToolResults  []ToolResult
	ToolCallID   string
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned and must be echoed back with the result.
	ID        string
	Name      string
	Arguments map[string]any
	// Raw is the provider-native JSON for this call. Only the adapter
	// that produced it interprets it.
	Raw json.RawMessage
}

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	ToolCallID string
	Name       string
	// Content is the JSON-encoded payload, or {"error": "..."}.
	Content string
	IsError bool
}

// ToolDefinition declares a tool to the model. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the token count of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Credentials authenticate a request against a provider.
type Credentials struct {
	APIKey string
}

// Options are per-provider request settings resolved by the Registry.
type Options struct {
	// Provider is the configured provider name, used in errors and logs.
	Provider        string
	BaseURL         string
	MaxOutputTokens int
}

// Request is one completion call.
type Request struct {
	History     []Message
	System      string
	Model       string
	Tools       []ToolDefinition
	Credentials Credentials
	Options     Options
}

// Completion is the normalized result of a completion call.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	// StopReason is normalized where possible (StopEnd, StopToolCalls).
	StopReason string
	// RawToolCalls holds the provider's tool-call array verbatim for
	// providers that validate it on the next request.
	RawToolCalls json.RawMessage
}

// Adapter is one provider family.
type Adapter interface {
	// Family names the wire format, e.g. "anthropic" or "openai".
	Family() string

	// Complete sends one completion request. It fails with
	// *ProviderError on a non-success status, *OutputLimitError when the
	// model ran out of output tokens and *ToolArgumentError when a tool
	// call's arguments cannot be parsed.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// AppendToolRound appends the assistant turn that requested tools and
	// the results of running them, in the shape this adapter expects on
	// the next Complete call.
	AppendToolRound(history []Message, c *Completion, results []ToolResult) []Message
}
