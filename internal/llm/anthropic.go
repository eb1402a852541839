package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 8096

// AnthropicAdapter speaks the Anthropic Messages API. Tool results go
// back as tool_result content blocks inside a single user message.
type AnthropicAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicAdapter creates an adapter using httpClient for requests.
func NewAnthropicAdapter(httpClient *http.Client, logger *slog.Logger) *AnthropicAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAdapter{httpClient: httpClient, logger: logger.With("family", "anthropic")}
}

// Family implements Adapter.
func (a *AnthropicAdapter) Family() string { return "anthropic" }

// Complete implements Adapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Completion, error) {
	provider := req.Options.Provider
	if provider == "" {
		provider = a.Family()
	}
	maxTokens := req.Options.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(req.Credentials.APIKey),
		option.WithHTTPClient(a.httpClient),
		// The turn loop decides what a failure means; retries would
		// double-bill a completion that already ran.
		option.WithMaxRetries(0),
	}
	if req.Options.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(req.Options.BaseURL, "/")+"/"))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  encodeAnthropicMessages(req.History),
		Tools:     encodeAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	a.logger.Debug("sending completion request",
		"provider", provider,
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			body := apiErr.RawJSON()
			if body == "" {
				body = apiErr.Error()
			}
			return nil, &ProviderError{Provider: provider, StatusCode: apiErr.StatusCode, Body: body}
		}
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	a.logger.Log(ctx, LevelTrace, "completion response payload", "provider", provider, "body", msg.RawJSON())

	if msg.StopReason == anthropic.StopReasonMaxTokens {
		return nil, &OutputLimitError{
			Provider:   provider,
			Model:      req.Model,
			StopReason: string(msg.StopReason),
			MaxTokens:  maxTokens,
		}
	}

	c := &Completion{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
		StopReason: normalizeAnthropicStop(msg.StopReason),
	}

	var text strings.Builder
	var raws []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, &ToolArgumentError{Provider: provider, Tool: b.Name, Length: len(b.Input), Err: err}
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			raw := b.RawJSON()
			raws = append(raws, raw)
			c.ToolCalls = append(c.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
				Raw:       json.RawMessage(raw),
			})
		}
	}
	c.Text = text.String()
	if len(raws) > 0 {
		c.RawToolCalls = json.RawMessage("[" + strings.Join(raws, ",") + "]")
	}

	a.logger.Debug("completion received",
		"provider", provider,
		"stop_reason", c.StopReason,
		"tool_calls", len(c.ToolCalls),
		"prompt_tokens", c.Usage.PromptTokens,
		"completion_tokens", c.Usage.CompletionTokens,
	)
	return c, nil
}

func normalizeAnthropicStop(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonEndTurn:
		return StopEnd
	case anthropic.StopReasonToolUse:
		return StopToolCalls
	default:
		return string(r)
	}
}

func encodeAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		if req, ok := d.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolParam{Name: d.Name, InputSchema: schema}
		if d.Description != "" {
			tool.Description = anthropic.String(d.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

// encodeAnthropicMessages converts the common history. Consecutive
// per-call tool messages are merged into one user message, since the
// Messages API expects every result for a turn in the same message.
func encodeAnthropicMessages(history []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range history {
		if m.Role == RoleTool {
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()

		switch {
		case len(m.ToolResults) > 0:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, r := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case m.Role == RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			// The API rejects empty assistant content.
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return out
}

// AppendToolRound implements Adapter: one assistant message with text
// and tool_use blocks, then one user message holding every result.
func (a *AnthropicAdapter) AppendToolRound(history []Message, c *Completion, results []ToolResult) []Message {
	return append(history,
		Message{Role: RoleAssistant, Content: c.Text, ToolCalls: c.ToolCalls, RawToolCalls: c.RawToolCalls},
		Message{Role: RoleUser, ToolResults: results},
	)
}
