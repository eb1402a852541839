package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meitheal/steward/internal/agent"
	"github.com/meitheal/steward/internal/auth"
	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/memory"
	"github.com/meitheal/steward/internal/rollback"
)

type fakeRunner struct {
	got  *agent.Request
	resp *agent.Response
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	f.got = req
	return f.resp, f.err
}

type fakeRollback struct {
	got    string
	report *rollback.Report
	err    error
}

func (f *fakeRollback) Rollback(_ context.Context, id string) (*rollback.Report, error) {
	f.got = id
	return f.report, f.err
}

type fakeAuth map[string]*auth.Member

func (f fakeAuth) Authenticate(r *http.Request) (*auth.Member, error) {
	token, ok := auth.BearerToken(r)
	if !ok {
		return nil, auth.ErrMissingToken
	}
	m, ok := f[token]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	if m.Role != auth.RoleAdmin && m.Role != auth.RoleSteward {
		return nil, auth.ErrForbidden
	}
	return m, nil
}

type testServer struct {
	handler  http.Handler
	runner   *fakeRunner
	rollback *fakeRollback
	repo     *content.Memory
}

func newTestServer(t *testing.T, authn Authenticator) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := content.NewMemory(map[string]string{"AGENT.md": "# Memory"})
	ts := &testServer{
		runner:   &fakeRunner{},
		rollback: &fakeRollback{},
		repo:     repo,
	}
	deps := Deps{
		Agent:    ts.runner,
		Rollback: ts.rollback,
		Memory:   memory.NewDocument(repo, "AGENT.md", logger),
		Logger:   logger,
	}
	if authn != nil {
		deps.Auth = authn
	}
	ts.handler = NewServer("127.0.0.1", 0, deps).Handler()
	return ts
}

func (ts *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if body.Error.Code != rec.Code {
		t.Errorf("error code = %d, status = %d", body.Error.Code, rec.Code)
	}
	return body.Error.Message
}

func TestHandleAgent(t *testing.T) {
	ts := newTestServer(t, fakeAuth{"tok": {ID: "42", Role: auth.RoleAdmin}})
	ts.runner.resp = &agent.Response{
		Text:           "Added **contact.html**.",
		ConversationID: "conv-1",
		ChangeID:       "chg-1",
		Usage:          agent.Usage{PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.001},
	}

	rec := ts.do(http.MethodPost, "/api/agent", `{"message":" add a contact page ","conversationId":"conv-1"}`, "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["conversationId"] != "conv-1" || resp["changeId"] != "chg-1" {
		t.Errorf("response = %v", resp)
	}
	if html, _ := resp["html"].(string); !strings.Contains(html, "<strong>contact.html</strong>") {
		t.Errorf("html = %q", resp["html"])
	}
	if _, leaked := resp["toolLog"]; leaked {
		t.Error("tool log returned to caller")
	}
	if ts.runner.got.Message != "add a contact page" || ts.runner.got.AdminID != "42" || ts.runner.got.ConversationID != "conv-1" {
		t.Errorf("agent request = %+v", ts.runner.got)
	}
}

func TestHandleAgent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		token      string
		runErr     error
		wantStatus int
		wantMsg    string
	}{
		{name: "no token", body: `{"message":"hi"}`, wantStatus: 401, wantMsg: "Unauthorized"},
		{name: "bad token", body: `{"message":"hi"}`, token: "nope", wantStatus: 401, wantMsg: "Invalid token"},
		{name: "member role", body: `{"message":"hi"}`, token: "member", wantStatus: 403, wantMsg: "Admin or steward access required"},
		{name: "empty", body: `{}`, token: "tok", wantStatus: 400, wantMsg: "message or proposal_id required"},
		{name: "bad json", body: `{`, token: "tok", wantStatus: 400, wantMsg: "invalid request body"},
		{name: "proposal missing", body: `{"proposal_id":9}`, token: "tok", runErr: agent.ErrProposalNotFound, wantStatus: 404, wantMsg: "Proposal not found"},
		{name: "proposal not approved", body: `{"proposal_id":"p1"}`, token: "tok", runErr: agent.ErrProposalNotApproved, wantStatus: 400, wantMsg: "Only approved proposals can be built"},
		{name: "provider failure", body: `{"message":"hi"}`, token: "tok", runErr: errors.New("anthropic: HTTP 529: overloaded"), wantStatus: 500, wantMsg: "anthropic: HTTP 529: overloaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, fakeAuth{
				"tok":    {ID: "1", Role: auth.RoleSteward},
				"member": {ID: "2", Role: "member"},
			})
			ts.runner.err = tt.runErr
			rec := ts.do(http.MethodPost, "/api/agent", tt.body, tt.token)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := errorMessage(t, rec); got != tt.wantMsg {
				t.Errorf("message = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestHandleAgent_NumericProposalID(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runner.resp = &agent.Response{Text: "built"}
	rec := ts.do(http.MethodPost, "/api/agent", `{"proposal_id":17}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ts.runner.got.ProposalID != "17" {
		t.Errorf("ProposalID = %q, want 17", ts.runner.got.ProposalID)
	}
}

func TestHandleRollback(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{name: "ok", wantStatus: 200},
		{name: "missing", err: rollback.ErrNotFound, wantStatus: 404, wantMsg: "Changelog entry not found"},
		{name: "twice", err: rollback.ErrAlreadyRolledBack, wantStatus: 400, wantMsg: "This build has already been rolled back"},
		{name: "no data", err: rollback.ErrNoSnapshots, wantStatus: 400, wantMsg: "No rollback data for this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.rollback.err = tt.err
			ts.rollback.report = &rollback.Report{
				OK:      true,
				Results: []rollback.Result{{Path: "contact.html", Action: rollback.ActionDeleted}},
				Message: "Rolled back 1 file(s). Deploying now (~30s).",
			}
			rec := ts.do(http.MethodPost, "/api/rollback", `{"changelog_id":12}`, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if ts.rollback.got != "12" {
				t.Errorf("rollback id = %q", ts.rollback.got)
			}
			if tt.wantMsg != "" {
				if got := errorMessage(t, rec); got != tt.wantMsg {
					t.Errorf("message = %q, want %q", got, tt.wantMsg)
				}
				return
			}
			var report rollback.Report
			json.Unmarshal(rec.Body.Bytes(), &report)
			if !report.OK || len(report.Results) != 1 || report.Results[0].Action != "deleted" {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestHandleRollback_RequiresID(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/rollback", `{}`, "")
	if rec.Code != http.StatusBadRequest || errorMessage(t, rec) != "changelog_id required" {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/memory", "", "")
	var doc MemoryDocument
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if rec.Code != http.StatusOK || doc.Content != "# Memory" || doc.SHA == "" {
		t.Fatalf("GET = %d %+v", rec.Code, doc)
	}
	oldSHA := doc.SHA

	rec = ts.do(http.MethodPost, "/api/memory", `{"content":"# Memory\n- use theme.css"}`, "")
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if rec.Code != http.StatusOK || !strings.Contains(doc.Content, "theme.css") || doc.SHA == oldSHA {
		t.Errorf("POST = %d %+v", rec.Code, doc)
	}

	rec = ts.do(http.MethodPost, "/api/memory", `{}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST without content = %d", rec.Code)
	}
}

func TestLocalMode_LoopbackOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/memory", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("remote caller in local mode = %d, want 403", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(http.MethodGet, "/health", "", ""); rec.Code != 200 || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
	if rec := ts.do(http.MethodGet, "/v1/version", "", ""); rec.Code != 200 || !strings.Contains(rec.Body.String(), "go_version") {
		t.Errorf("version = %d %s", rec.Code, rec.Body)
	}
}

func TestRecovery(t *testing.T) {
	s := NewServer("", 0, Deps{Agent: panicRunner{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	req := httptest.NewRequest(http.MethodPost, "/api/agent", strings.NewReader(`{"message":"hi"}`))
	req.RemoteAddr = "[::1]:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, *agent.Request) (*agent.Response, error) {
	panic("nil map")
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:443":      true,
		"10.0.0.4:80":    false,
		"not-an-address": false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
