package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meitheal/steward/internal/httpkit"
)

// OpenAIAdapter speaks the OpenAI chat-completions format, which most
// hosted providers (Groq, DeepSeek, Gemini, Qwen, Kimi) and Ollama also
// accept. Assistant tool-call turns are echoed with the provider's
// tool_calls array verbatim so fields such as Gemini's
// thought_signature survive the round trip.
type OpenAIAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIAdapter creates an adapter using httpClient for requests.
func NewOpenAIAdapter(httpClient *http.Client, logger *slog.Logger) *OpenAIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{httpClient: httpClient, logger: logger.With("family", "openai")}
}

// Family implements Adapter.
func (a *OpenAIAdapter) Family() string { return "openai" }

type openaiRequest struct {
	Model      string          `json:"model"`
	Messages   []openaiMessage `json:"messages"`
	Tools      []openaiTool    `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role string `json:"role"`
	// Content is a pointer so an assistant turn with only tool calls
	// encodes as null, which some providers require.
	Content    *string         `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   *string         `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Adapter.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Completion, error) {
	provider := req.Options.Provider
	if provider == "" {
		provider = a.Family()
	}

	body := openaiRequest{
		Model:     req.Model,
		Messages:  encodeOpenAIMessages(req.System, req.History),
		MaxTokens: req.Options.MaxOutputTokens,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}

	url := strings.TrimRight(req.Options.BaseURL, "/") + "/chat/completions"
	a.logger.Debug("sending completion request",
		"provider", provider,
		"model", req.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
	)
	a.logger.Log(ctx, LevelTrace, "completion request payload", "provider", provider, "body", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credentials.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credentials.APIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, maxErrorBody),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", provider, err)
	}
	a.logger.Log(ctx, LevelTrace, "completion response payload", "provider", provider, "body", string(raw))

	var decoded openaiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", provider, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s response contained no choices", provider)
	}
	choice := decoded.Choices[0]

	if choice.FinishReason == "length" {
		return nil, &OutputLimitError{
			Provider:   provider,
			Model:      req.Model,
			StopReason: choice.FinishReason,
			MaxTokens:  req.Options.MaxOutputTokens,
		}
	}

	c := &Completion{
		Usage: Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
		},
		StopReason: choice.FinishReason,
	}
	if choice.Message.Content != nil {
		c.Text = *choice.Message.Content
	}

	if len(choice.Message.ToolCalls) > 0 && string(choice.Message.ToolCalls) != "null" {
		calls, err := decodeOpenAIToolCalls(provider, choice.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		c.ToolCalls = calls
		c.RawToolCalls = choice.Message.ToolCalls
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

// decodeOpenAIToolCalls parses the tool_calls array, keeping each
// element's raw JSON.
func decodeOpenAIToolCalls(provider string, data json.RawMessage) ([]ToolCall, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("decode %s tool_calls: %w", provider, err)
	}

	calls := make([]ToolCall, 0, len(elems))
	for _, elem := range elems {
		var tc openaiToolCall
		if err := json.Unmarshal(elem, &tc); err != nil {
			return nil, fmt.Errorf("decode %s tool call: %w", provider, err)
		}

		args := map[string]any{}
		if argText := strings.TrimSpace(tc.Function.Arguments); argText != "" {
			if err := json.Unmarshal([]byte(argText), &args); err != nil {
				return nil, &ToolArgumentError{
					Provider: provider,
					Tool:     tc.Function.Name,
					Length:   len(tc.Function.Arguments),
					Err:      err,
				}
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		repairArguments(args)

		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Raw:       elem,
		})
	}
	return calls, nil
}

func encodeOpenAIMessages(system string, history []Message) []openaiMessage {
	msgs := make([]openaiMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: &system})
	}

	for _, m := range history {
		switch {
		case m.Role == RoleTool:
			content := m.Content
			msgs = append(msgs, openaiMessage{Role: RoleTool, Content: &content, ToolCallID: m.ToolCallID})

		case len(m.ToolResults) > 0:
			for _, r := range m.ToolResults {
				content := r.Content
				msgs = append(msgs, openaiMessage{Role: RoleTool, Content: &content, ToolCallID: r.ToolCallID})
			}

		case m.Role == RoleAssistant && (len(m.RawToolCalls) > 0 || len(m.ToolCalls) > 0):
			msg := openaiMessage{Role: RoleAssistant, ToolCalls: m.RawToolCalls}
			if m.Content != "" {
				content := m.Content
				msg.Content = &content
			}
			if len(msg.ToolCalls) == 0 {
				msg.ToolCalls = synthesizeOpenAIToolCalls(m.ToolCalls)
			}
			msgs = append(msgs, msg)

		default:
			content := m.Content
			msgs = append(msgs, openaiMessage{Role: m.Role, Content: &content})
		}
	}
	return msgs
}

// synthesizeOpenAIToolCalls encodes tool calls that did not come from an
// OpenAI-format response and so have no raw form to echo.
func synthesizeOpenAIToolCalls(calls []ToolCall) json.RawMessage {
	out := make([]openaiToolCall, len(calls))
	for i, c := range calls {
		args, err := json.Marshal(c.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out[i].ID = c.ID
		out[i].Type = "function"
		out[i].Function.Name = c.Name
		out[i].Function.Arguments = string(args)
	}
	data, _ := json.Marshal(out)
	return data
}

// AppendToolRound implements Adapter: the assistant turn carries the
// raw tool_calls array and every result becomes its own "tool" message.
func (a *OpenAIAdapter) AppendToolRound(history []Message, c *Completion, results []ToolResult) []Message {
	history = append(history, Message{
		Role:         RoleAssistant,
		Content:      c.Text,
		ToolCalls:    c.ToolCalls,
		RawToolCalls: c.RawToolCalls,
	})
	for _, r := range results {
		history = append(history, Message{Role: RoleTool, Content: r.Content, ToolCallID: r.ToolCallID})
	}
	return history
}
