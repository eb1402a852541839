package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

var writeFileTool = ToolDefinition{
	Name:        "write_file",
	Description: "Create or update a file.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	},
}

func anthropicServer(t *testing.T, status int, body string, inspect func(map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func anthropicRequest(srv *httptest.Server) Request {
	return Request{
		History:     []Message{{Role: RoleUser, Content: "add a contact page"}},
		System:      "You are the steward.",
		Model:       "claude-sonnet-4-6",
		Tools:       []ToolDefinition{writeFileTool},
		Credentials: Credentials{APIKey: "sk-ant-test"},
		Options:     Options{Provider: "anthropic", BaseURL: srv.URL, MaxOutputTokens: 8096},
	}
}

func TestAnthropicComplete_ToolUse(t *testing.T) {
	srv := anthropicServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-6",
		"content": [
			{"type": "text", "text": "Creating "},
			{"type": "tool_use", "id": "toolu_1", "name": "write_file",
			 "input": {"path": "contact.html", "content": "<h1>Contact</h1>"}},
			{"type": "text", "text": "it now."}
		],
		"stop_reason": "tool_use", "stop_sequence": null,
		"usage": {"input_tokens": 120, "output_tokens": 40}
	}`, func(req map[string]any) {
		system, _ := req["system"].([]any)
		if len(system) != 1 {
			t.Errorf("system = %v, want one text block", req["system"])
		}
		tools, _ := req["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %v, want one", req["tools"])
		}
		tool := tools[0].(map[string]any)
		if tool["name"] != "write_file" {
			t.Errorf("tool name = %v", tool["name"])
		}
		schema := tool["input_schema"].(map[string]any)
		if schema["type"] != "object" {
			t.Errorf("input_schema.type = %v, want object", schema["type"])
		}
		if req["max_tokens"] != float64(8096) {
			t.Errorf("max_tokens = %v, want 8096", req["max_tokens"])
		}
	})

	a := NewAnthropicAdapter(srv.Client(), nil)
	c, err := a.Complete(context.Background(), anthropicRequest(srv))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if c.Text != "Creating it now." {
		t.Errorf("Text = %q, want text blocks concatenated in order", c.Text)
	}
	if c.StopReason != StopToolCalls {
		t.Errorf("StopReason = %q, want %q", c.StopReason, StopToolCalls)
	}
	if c.Usage.PromptTokens != 120 || c.Usage.CompletionTokens != 40 {
		t.Errorf("Usage = %+v", c.Usage)
	}
	if len(c.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(c.ToolCalls))
	}
	tc := c.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "write_file" || tc.Arguments["path"] != "contact.html" {
		t.Errorf("ToolCall = %+v", tc)
	}
	if len(tc.Raw) == 0 {
		t.Error("ToolCall.Raw is empty")
	}
}

func TestAnthropicComplete_MaxTokens(t *testing.T) {
	srv := anthropicServer(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-sonnet-4-6",
		"content": [{"type": "tool_use", "id": "toolu_2", "name": "write_file", "input": {"path": "big.html"}}],
		"stop_reason": "max_tokens", "stop_sequence": null,
		"usage": {"input_tokens": 10, "output_tokens": 8096}
	}`, nil)

	_, err := NewAnthropicAdapter(srv.Client(), nil).Complete(context.Background(), anthropicRequest(srv))
	var limitErr *OutputLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want *OutputLimitError", err)
	}
	if limitErr.MaxTokens != 8096 {
		t.Errorf("MaxTokens = %d, want 8096", limitErr.MaxTokens)
	}
}

func TestAnthropicComplete_HTTPError(t *testing.T) {
	srv := anthropicServer(t, http.StatusBadRequest,
		`{"type": "error", "error": {"type": "invalid_request_error", "message": "messages: empty"}}`, nil)

	_, err := NewAnthropicAdapter(srv.Client(), nil).Complete(context.Background(), anthropicRequest(srv))
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if provErr.StatusCode != http.StatusBadRequest || provErr.Provider != "anthropic" {
		t.Errorf("ProviderError = %+v", provErr)
	}
}

func TestEncodeAnthropicMessages(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "add a page"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "toolu_a", Name: "read_file", Arguments: map[string]any{"path": "home.html"}},
			{ID: "toolu_b", Name: "list_files", Arguments: map[string]any{}},
		}},
		{Role: RoleTool, ToolCallID: "toolu_a", Content: `{"content":"<nav>"}`},
		{Role: RoleTool, ToolCallID: "toolu_b", Content: `{"files":[]}`},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "toolu_c", Content: `{"error":"nope"}`, IsError: true}}},
	}

	got := encodeAnthropicMessages(history)
	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleUser,
	}
	if len(got) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(got), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, role)
		}
	}
	if n := len(got[1].Content); n != 2 {
		t.Errorf("assistant blocks = %d, want 2 tool_use", n)
	}
	if n := len(got[2].Content); n != 2 {
		t.Errorf("merged tool results = %d, want 2", n)
	}
}

func TestAnthropicAppendToolRound(t *testing.T) {
	a := NewAnthropicAdapter(http.DefaultClient, nil)
	c := &Completion{Text: "on it", ToolCalls: []ToolCall{{ID: "toolu_1", Name: "read_file"}}}
	results := []ToolResult{{ToolCallID: "toolu_1", Name: "read_file", Content: `{"content":"x"}`}}

	history := a.AppendToolRound([]Message{{Role: RoleUser, Content: "hi"}}, c, results)
	if len(history) != 3 {
		t.Fatalf("history = %d entries, want 3", len(history))
	}
	if history[1].Role != RoleAssistant || len(history[1].ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", history[1])
	}
	if history[2].Role != RoleUser || len(history[2].ToolResults) != 1 {
		t.Errorf("result turn = %+v", history[2])
	}
}
