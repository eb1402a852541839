// Package rollback undoes the file changes recorded on a change record
// by replaying its snapshots against the content repository.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/ledger"
)

// Per-path outcomes.
const (
	ActionRestored      = "restored"
	ActionDeleted       = "deleted"
	ActionSkip          = "skip"
	ActionRestoreFailed = "restore_failed"
	ActionDeleteFailed  = "delete_failed"
	ActionError         = "error"
)

var (
	// ErrNotFound is returned when the change record does not exist.
	ErrNotFound = errors.New("change record not found")
	// ErrAlreadyRolledBack is returned for a record that was already
	// rolled back. Nothing is changed.
	ErrAlreadyRolledBack = errors.New("change has already been rolled back")
	// ErrNoSnapshots is returned for a record without rollback data.
	ErrNoSnapshots = errors.New("change has no rollback data")
)

// Result is the outcome for one path.
type Result struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Failed reports whether the outcome counts against overall success.
func (r Result) Failed() bool {
	switch r.Action {
	case ActionRestoreFailed, ActionDeleteFailed, ActionError:
		return true
	}
	return false
}

// Report aggregates a rollback.
type Report struct {
	OK      bool     `json:"ok"`
	Results []Result `json:"results"`
	Message string   `json:"message"`
}

// Store is the ledger access rollback needs.
type Store interface {
	Change(ctx context.Context, id string) (*ledger.ChangeRecord, error)
	MarkRolledBack(ctx context.Context, id string) error
}

// Service rolls back change records.
type Service struct {
	repo   content.Repository
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a rollback service.
func New(repo content.Repository, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		store:  store,
		logger: logger,
		tracer: otel.Tracer("github.com/meitheal/steward/internal/rollback"),
	}
}

// Rollback restores every path recorded on change record id to its
// state before the change. Paths are handled independently and a
// failure on one never stops the others. The record is marked rolled
// back even when some paths fail, so a rollback runs at most once. A
// failure to mark the record is logged and noted in the report message.
func (s *Service) Rollback(ctx context.Context, id string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "rollback", trace.WithAttributes(attribute.String("change.id", id)))
	defer span.End()

	rec, err := s.store.Change(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load change %s: %w", id, err)
	}
	if rec.RolledBack {
		return nil, ErrAlreadyRolledBack
	}
	if len(rec.Snapshots) == 0 {
		return nil, ErrNoSnapshots
	}

	// Newest first, so a path written twice ends at its oldest snapshot.
	results := make([]Result, 0, len(rec.Snapshots))
	for i := len(rec.Snapshots) - 1; i >= 0; i-- {
		results = append(results, s.undo(ctx, rec.Snapshots[i]))
	}

	report := summarize(results)
	if err := s.store.MarkRolledBack(ctx, id); err != nil {
		// The files are already reverted, so the report still stands.
		s.logger.Error("failed to mark change rolled back", "change", id, "error", err)
		report.Message += fmt.Sprintf(" The change could not be marked as rolled back (%v); do not roll it back again.", err)
	}
	span.SetAttributes(attribute.Bool("rollback.ok", report.OK), attribute.Int("rollback.paths", len(results)))
	s.logger.Info("change rolled back",
		"change", id,
		"ok", report.OK,
		"paths", len(results),
	)
	return report, nil
}

func (s *Service) undo(ctx context.Context, snap ledger.Snapshot) Result {
	if snap.Existed {
		return s.restore(ctx, snap)
	}
	return s.remove(ctx, snap)
}

func (s *Service) restore(ctx context.Context, snap ledger.Snapshot) Result {
	if snap.PriorSHA == "" {
		return Result{Path: snap.Path, Action: ActionError, Reason: "snapshot has no revision"}
	}
	body, err := s.repo.Blob(ctx, snap.PriorSHA)
	if err != nil {
		s.logger.Warn("rollback restore failed", "path", snap.Path, "sha", snap.PriorSHA, "error", err)
		return Result{Path: snap.Path, Action: ActionRestoreFailed, Reason: err.Error()}
	}
	current, err := content.CurrentSHA(ctx, s.repo, snap.Path)
	if err != nil {
		return Result{Path: snap.Path, Action: ActionError, Reason: err.Error()}
	}
	if _, err := s.repo.Put(ctx, snap.Path, body, "Rollback: restore "+snap.Path, current); err != nil {
		s.logger.Warn("rollback restore failed", "path", snap.Path, "error", err)
		return Result{Path: snap.Path, Action: ActionRestoreFailed, Reason: err.Error()}
	}
	return Result{Path: snap.Path, Action: ActionRestored}
}

func (s *Service) remove(ctx context.Context, snap ledger.Snapshot) Result {
	current, err := content.CurrentSHA(ctx, s.repo, snap.Path)
	if err != nil {
		return Result{Path: snap.Path, Action: ActionError, Reason: err.Error()}
	}
	if current == "" {
		return Result{Path: snap.Path, Action: ActionSkip, Reason: "already gone"}
	}
	if err := s.repo.Delete(ctx, snap.Path, current, "Rollback: remove "+snap.Path); err != nil {
		s.logger.Warn("rollback delete failed", "path", snap.Path, "error", err)
		return Result{Path: snap.Path, Action: ActionDeleteFailed, Reason: err.Error()}
	}
	return Result{Path: snap.Path, Action: ActionDeleted}
}

func summarize(results []Result) *Report {
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return &Report{
			OK:      false,
			Results: results,
			Message: fmt.Sprintf("Partial rollback: %d file(s) failed. Check results.", failed),
		}
	}
	return &Report{
		OK:      true,
		Results: results,
		Message: fmt.Sprintf("Rolled back %d file(s). Deploying now (~30s).", len(results)),
	}
}
