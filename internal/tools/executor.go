package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/datastore"
	"github.com/meitheal/steward/internal/ledger"
	"github.com/meitheal/steward/internal/llm"
	"github.com/meitheal/steward/internal/memory"
)

// Deps are the collaborators the built-in tools act on. Data and SQL may
// be nil, in which case the tools that need them report ErrNotConfigured.
type Deps struct {
	Repo     content.Repository
	Data     *datastore.Client
	SQL      datastore.SQLExecutor
	Settings SettingsStore
	Memory   *memory.Document
	// Protected lists paths write_file and delete_file refuse. Entries
	// ending in "/" protect a directory.
	Protected []string
	Logger    *slog.Logger
}

// SettingsStore reads and changes community settings.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
	UpdateSetting(ctx context.Context, key, value string) error
}

// Executor dispatches tool calls to the registered tools.
type Executor struct {
	registry *Registry
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an executor with every built-in tool registered.
func NewExecutor(deps Deps) (*Executor, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Executor{
		registry: NewRegistry(),
		deps:     deps,
		logger:   deps.Logger,
		tracer:   otel.Tracer("github.com/meitheal/steward/internal/tools"),
	}
	if err := e.registerBuiltins(); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Definitions returns the tool declarations sent to the model.
func (e *Executor) Definitions() []llm.ToolDefinition {
	return e.registry.Definitions()
}

// Invocation collects the effects of the tool calls made during one
// agent invocation. It is not safe for concurrent use; calls execute
// sequentially in the order the model requested them.
type Invocation struct {
	exec      *Executor
	log       []ledger.ToolLogEntry
	snapshots []ledger.Snapshot
	changes   []ledger.FileChange
	sql       []string
}

// Begin starts collecting effects for a new invocation.
func (e *Executor) Begin() *Invocation {
	return &Invocation{exec: e}
}

// Log returns one entry per executed call, in execution order.
func (inv *Invocation) Log() []ledger.ToolLogEntry { return inv.log }

// Snapshots returns one entry per successful write or delete.
func (inv *Invocation) Snapshots() []ledger.Snapshot { return inv.snapshots }

// FilesChanged lists the successful writes and deletes.
func (inv *Invocation) FilesChanged() []ledger.FileChange { return inv.changes }

// SQL returns the statements that ran successfully.
func (inv *Invocation) SQL() []string { return inv.sql }

// Mutated reports whether any file or schema change happened.
func (inv *Invocation) Mutated() bool {
	return len(inv.changes) > 0 || len(inv.sql) > 0
}

func (inv *Invocation) recordWrite(action, p string, snap ledger.Snapshot) {
	inv.snapshots = append(inv.snapshots, snap)
	inv.changes = append(inv.changes, ledger.FileChange{Action: action, Path: p})
}

// Execute runs one tool call and returns its result. Failures of any
// kind become error results; Execute itself never fails.
func (inv *Invocation) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	e := inv.exec
	ctx, span := e.tracer.Start(ctx, "tool "+call.Name,
		trace.WithAttributes(attribute.String("tool.name", call.Name), attribute.String("tool.call_id", call.ID)))
	defer span.End()

	start := time.Now()
	result, err := e.run(ctx, inv, call)
	entry := ledger.ToolLogEntry{
		Tool:      call.Name,
		Arguments: call.Arguments,
		Duration:  time.Since(start),
	}

	out := llm.ToolResult{ToolCallID: call.ID, Name: call.Name}
	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = &CapabilityError{Tool: call.Name, Err: fmt.Errorf("encode result: %w", merr)}
		} else {
			entry.Result = result
			out.Content = string(data)
		}
	}
	if err != nil {
		entry.Error = err.Error()
		out.Content = errorPayload(err)
		out.IsError = true
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("tool call failed",
			"tool", call.Name,
			"conversation", ConversationIDFromContext(ctx),
			"duration", entry.Duration,
			"error", err,
		)
	} else {
		e.logger.Debug("tool call completed",
			"tool", call.Name,
			"conversation", ConversationIDFromContext(ctx),
			"duration", entry.Duration,
			"result_bytes", len(out.Content),
		)
	}

	inv.log = append(inv.log, entry)
	return out
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func (e *Executor) run(ctx context.Context, inv *Invocation, call llm.ToolCall) (result any, err error) {
	tool := e.registry.Get(call.Name)
	if tool == nil {
		return nil, &UnknownToolError{Name: call.Name}
	}
	if err := tool.validate(call.Arguments); err != nil {
		return nil, &CapabilityError{Tool: call.Name, Err: err}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	var pc panics.Catcher
	pc.Try(func() {
		result, err = tool.Handler(ctx, inv, args)
	})
	if r := pc.Recovered(); r != nil {
		e.logger.Error("tool handler panicked", "tool", call.Name, "panic", r.Value, "stack", string(r.Stack))
		return nil, &CapabilityError{Tool: call.Name, Err: r.AsError()}
	}
	if err != nil {
		var capErr *CapabilityError
		if !errors.As(err, &capErr) {
			err = &CapabilityError{Tool: call.Name, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// cleanPath normalizes a repository path and rejects ones that escape
// the repository root.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path is required")
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || escapesRoot(p) {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return cleaned, nil
}

// escapesRoot reports whether p has a ".." segment.
func escapesRoot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// checkProtected rejects mutation of the agent's own governing files.
func (e *Executor) checkProtected(p string) error {
	for _, prot := range e.deps.Protected {
		if strings.HasSuffix(prot, "/") {
			if strings.HasPrefix(p, prot) {
				return fmt.Errorf("%s: %w", p, ErrProtectedPath)
			}
			continue
		}
		if p == prot {
			return fmt.Errorf("%s: %w", p, ErrProtectedPath)
		}
	}
	return nil
}
