// Package agent implements the turn loop: it loads the invocation's
// context, alternates between model completions and tool execution,
// and persists what happened.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meitheal/steward/internal/config"
	"github.com/meitheal/steward/internal/ledger"
	"github.com/meitheal/steward/internal/llm"
	"github.com/meitheal/steward/internal/memory"
	"github.com/meitheal/steward/internal/prompts"
	"github.com/meitheal/steward/internal/tools"
	"github.com/meitheal/steward/internal/usage"
)

// Settings keys read at the start of every invocation.
const (
	SettingProvider      = "ai_provider"
	SettingModel         = "ai_model"
	SettingAPIKey        = "ai_api_key"
	SettingOllamaURL     = "ollama_url"
	SettingCommunityName = "community_name"
	SettingSiteURL       = "site_url"
)

const maxDescriptionLen = 120

var (
	// ErrEmptyRequest is returned when a request names neither a
	// message nor a proposal.
	ErrEmptyRequest = errors.New("message or proposal_id required")
	// ErrProposalNotFound is returned for an unknown proposal id.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalNotApproved is returned when a proposal is not in the
	// approved state.
	ErrProposalNotApproved = errors.New("only approved proposals can be built")
)

// Request is one operator invocation. Exactly one of Message and
// ProposalID is normally set; ProposalID wins when both are.
type Request struct {
	Message        string
	ProposalID     string
	ConversationID string
	// AdminID is the member id of the caller, recorded on change records.
	AdminID string
}

// Usage is the token count and cost of one invocation.
type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// Response is the outcome of a completed invocation. ToolLog may hold
// full file contents and is meant for server-side use only.
type Response struct {
	Text           string
	ConversationID string
	// ChangeID is the change record written for this invocation, empty
	// when nothing was changed.
	ChangeID  string
	ToolLog   []ledger.ToolLogEntry
	Snapshots []ledger.Snapshot
	Usage     Usage
	Turns     int
}

// ProviderResolver maps a provider name to its adapter and options.
type ProviderResolver interface {
	Resolve(name string) (llm.Adapter, llm.Provider, error)
}

// Config bounds the loop and supplies fallbacks for unset settings.
type Config struct {
	MaxTurns        int
	DefaultProvider string
	DefaultModel    string
	APIKey          string
	OllamaURL       string
	Protected       []string
	Pricing         map[string]config.PricingEntry
}

// Loop runs agent invocations. It holds no per-invocation state and
// may serve concurrent invocations on different conversations.
type Loop struct {
	cfg       Config
	providers ProviderResolver
	tools     *tools.Executor
	store     ledger.Store
	memory    *memory.Document
	usage     usage.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLoop creates a turn loop. recorder may be nil to skip usage
// accounting.
func NewLoop(cfg Config, providers ProviderResolver, exec *tools.Executor, store ledger.Store, mem *memory.Document, recorder usage.Recorder, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 25
	}
	return &Loop{
		cfg:       cfg,
		providers: providers,
		tools:     exec,
		store:     store,
		memory:    mem,
		usage:     recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/meitheal/steward/internal/agent"),
	}
}

// Run executes one invocation. Proposal requests are checked, turned
// into a build brief and moved through the building and done states
// around the loop. Any invocation that changed files or ran SQL leaves
// a change record.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" && req.ProposalID == "" {
		return nil, ErrEmptyRequest
	}

	var proposal *ledger.Proposal
	if req.ProposalID != "" {
		p, brief, err := l.loadProposal(ctx, req.ProposalID)
		if err != nil {
			return nil, err
		}
		proposal = p
		message = brief
		if err := l.store.SetProposalStatus(ctx, p.ID, ledger.ProposalBuilding); err != nil {
			return nil, fmt.Errorf("mark proposal building: %w", err)
		}
		l.logger.Info("proposal build started", "proposal", p.ID, "title", p.Title)
	}

	resp, inv, err := l.invoke(ctx, message, req.ConversationID)
	var changeID string
	if inv != nil && inv.Mutated() {
		// Written even for aborted invocations so completed writes stay
		// undoable.
		changeID = l.recordChange(context.WithoutCancel(ctx), req, message, proposal, inv, resp.ConversationID)
	}
	if err != nil {
		if proposal != nil {
			if rerr := l.store.SetProposalStatus(context.WithoutCancel(ctx), proposal.ID, ledger.ProposalApproved); rerr != nil {
				l.logger.Error("failed to return proposal to approved", "proposal", proposal.ID, "error", rerr)
			}
		}
		return nil, err
	}
	resp.ChangeID = changeID

	if proposal != nil {
		if err := l.store.SetProposalStatus(ctx, proposal.ID, ledger.ProposalDone); err != nil {
			l.logger.Error("failed to mark proposal done", "proposal", proposal.ID, "error", err)
		}
	}
	return resp, nil
}

// recordChange writes the change record for an invocation that mutated
// the site and returns its id, or "" when the write failed.
func (l *Loop) recordChange(ctx context.Context, req *Request, message string, proposal *ledger.Proposal, inv *tools.Invocation, conversationID string) string {
	rec := &ledger.ChangeRecord{
		AdminID:        req.AdminID,
		Description:    describe(message, proposal),
		FilesChanged:   inv.FilesChanged(),
		SQLRun:         strings.Join(inv.SQL(), "\n\n---\n\n"),
		ConversationID: conversationID,
		Snapshots:      inv.Snapshots(),
	}
	if proposal != nil {
		rec.ProposalID = proposal.ID
		rec.SuggestedBy = proposal.SuggestedBy
		rec.SuggestedByName = proposal.SuggestedByName
	}
	id, err := l.store.CreateChange(ctx, rec)
	if err != nil {
		l.logger.Error("failed to write change record",
			"conversation", conversationID,
			"files", len(rec.FilesChanged),
			"error", err,
		)
		return ""
	}
	return id
}

func (l *Loop) loadProposal(ctx context.Context, id string) (*ledger.Proposal, string, error) {
	p, err := l.store.Proposal(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, "", ErrProposalNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("load proposal %s: %w", id, err)
	}
	if p.Status != ledger.ProposalApproved {
		return nil, "", ErrProposalNotApproved
	}

	brief := prompts.BuildBrief{
		ProposalID:  p.ID,
		Title:       p.Title,
		SuggestedBy: p.SuggestedByName,
		PromotedBy:  p.PromotedByName,
	}
	if p.Description != "" {
		brief.Description = &p.Description
	}
	if p.OriginalIdea != "" {
		brief.OriginalIdea = &p.OriginalIdea
	}
	if brief.SuggestedBy == "" {
		brief.SuggestedBy = "a community member"
	}
	if brief.PromotedBy == "" {
		brief.PromotedBy = "admin"
	}
	if !p.ApprovedAt.IsZero() {
		brief.ApprovedAt = p.ApprovedAt.UTC().Format(time.RFC3339)
	}
	return p, prompts.ProposalBuildPrompt(brief), nil
}

func describe(message string, p *ledger.Proposal) string {
	if p != nil {
		return p.Title
	}
	line, _, _ := strings.Cut(message, "\n")
	if r := []rune(line); len(r) > maxDescriptionLen {
		line = string(r[:maxDescriptionLen-3]) + "..."
	}
	return line
}

// snapshot is the per-invocation configuration, read once while
// loading context and never consulted again.
type snapshot struct {
	provider      string
	model         string
	apiKey        string
	ollamaURL     string
	communityName string
	siteURL       string
}

func (l *Loop) settingsSnapshot(settings map[string]string) snapshot {
	pick := func(key, fallback string) string {
		if v := strings.TrimSpace(settings[key]); v != "" {
			return v
		}
		return fallback
	}
	return snapshot{
		provider:      pick(SettingProvider, l.cfg.DefaultProvider),
		model:         pick(SettingModel, l.cfg.DefaultModel),
		apiKey:        pick(SettingAPIKey, l.cfg.APIKey),
		ollamaURL:     pick(SettingOllamaURL, l.cfg.OllamaURL),
		communityName: settings[SettingCommunityName],
		siteURL:       settings[SettingSiteURL],
	}
}

// invoke runs the turn loop for one message.
func (l *Loop) invoke(ctx context.Context, message, conversationID string) (_ *Response, _ *tools.Invocation, err error) {
	ctx, span := l.tracer.Start(ctx, "agent.invoke")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// LoadingContext
	settings, err := l.store.Settings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	snap := l.settingsSnapshot(settings)

	adapter, provider, err := l.providers.Resolve(snap.provider)
	if err != nil {
		return nil, nil, err
	}
	opts := provider.Options()
	if provider.Name == "ollama" && snap.ollamaURL != "" {
		opts.BaseURL = strings.TrimRight(snap.ollamaURL, "/") + "/v1"
	}
	creds := llm.Credentials{APIKey: snap.apiKey}
	if creds.APIKey == "" {
		creds.APIKey = provider.APIKey
	}

	conv, err := l.conversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("llm.provider", provider.Name),
		attribute.String("llm.model", snap.model),
	)

	var memText string
	if l.memory != nil {
		memText, err = l.memory.Load(ctx)
		if err != nil {
			l.logger.Warn("memory document unavailable", "error", err)
			memText = ""
		}
	}
	system := prompts.AgentSystemPrompt(snap.communityName, snap.siteURL, memText, l.cfg.Protected)

	history := make([]llm.Message, 0, len(conv.Turns)+1)
	for _, t := range conv.Turns {
		if t.Content == "" {
			continue
		}
		history = append(history, llm.Message{Role: t.Role, Content: t.Content})
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: message})
	userTurn := ledger.Turn{Role: llm.RoleUser, Content: message, TS: time.Now().UTC()}

	ctx = tools.WithConversationID(ctx, conv.ID)
	inv := l.tools.Begin()
	defs := l.tools.Definitions()

	l.logger.Info("invocation started",
		"conversation", conv.ID,
		"provider", provider.Name,
		"model", snap.model,
		"history", len(conv.Turns),
	)

	var acc usage.Accumulator
	var text strings.Builder
	turns := 0
	for turns < l.cfg.MaxTurns {
		turns++
		c, err := l.turn(ctx, adapter, turns, llm.Request{
			History:     history,
			System:      system,
			Model:       snap.model,
			Tools:       defs,
			Credentials: creds,
			Options:     opts,
		})
		if err != nil {
			// Aborted: the usage already spent is still recorded, but a
			// half-finished exchange is never written to the conversation.
			l.recordUsage(ctx, &acc, provider.Name, snap.model, conv.ID)
			l.logger.Warn("invocation aborted",
				"conversation", conv.ID,
				"turn", turns,
				"files_changed", len(inv.FilesChanged()),
				"error", err,
			)
			return &Response{ConversationID: conv.ID}, inv, err
		}
		acc.Add(c.Usage.PromptTokens, c.Usage.CompletionTokens)
		text.WriteString(c.Text)

		if len(c.ToolCalls) == 0 {
			break
		}

		results := make([]llm.ToolResult, 0, len(c.ToolCalls))
		for _, call := range c.ToolCalls {
			results = append(results, inv.Execute(ctx, call))
		}
		history = adapter.AppendToolRound(history, c, results)

		if turns == l.cfg.MaxTurns {
			l.logger.Warn("turn ceiling reached",
				"conversation", conv.ID,
				"max_turns", l.cfg.MaxTurns,
			)
		}
	}

	// Done
	rec := l.recordUsage(ctx, &acc, provider.Name, snap.model, conv.ID)

	conv.Turns = append(conv.Turns, userTurn, ledger.Turn{
		Role:    llm.RoleAssistant,
		Content: text.String(),
		ToolLog: inv.Log(),
		TS:      time.Now().UTC(),
	})
	if err := l.store.SaveConversation(ctx, conv); err != nil {
		l.logger.Error("failed to save conversation", "conversation", conv.ID, "error", err)
	}

	l.logger.Info("invocation completed",
		"conversation", conv.ID,
		"turns", turns,
		"tool_calls", len(inv.Log()),
		"files_changed", len(inv.FilesChanged()),
		"prompt_tokens", rec.InputTokens,
		"completion_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)

	return &Response{
		Text:           text.String(),
		ConversationID: conv.ID,
		ToolLog:        inv.Log(),
		Snapshots:      inv.Snapshots(),
		Usage: Usage{
			PromptTokens:     rec.InputTokens,
			CompletionTokens: rec.OutputTokens,
			CostUSD:          rec.CostUSD,
		},
		Turns: turns,
	}, inv, nil
}

func (l *Loop) turn(ctx context.Context, adapter llm.Adapter, n int, req llm.Request) (*llm.Completion, error) {
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.Int("turn", n),
		attribute.Int("history", len(req.History)),
	))
	defer span.End()

	c, err := adapter.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tool_calls", len(c.ToolCalls)),
		attribute.String("stop_reason", c.StopReason),
	)
	return c, nil
}

// conversation returns the requested conversation, or a new one when no
// id is given or the id is unknown.
func (l *Loop) conversation(ctx context.Context, id string) (*ledger.Conversation, error) {
	if id != "" {
		conv, err := l.store.Conversation(ctx, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("load conversation %s: %w", id, err)
		}
		l.logger.Debug("conversation not found, starting a new one", "requested", id)
	}
	conv, err := l.store.CreateConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (l *Loop) recordUsage(ctx context.Context, acc *usage.Accumulator, provider, model, conversationID string) usage.Record {
	rec := acc.Record(provider, model, conversationID, l.cfg.Pricing)
	if l.usage == nil || acc.Turns == 0 {
		return rec
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Error("failed to record usage", "conversation", conversationID, "error", err)
	}
	return rec
}
