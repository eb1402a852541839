package rollback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/ledger"
)

type fakeStore struct {
	records map[string]*ledger.ChangeRecord
	marked  int
	markErr error
}

func (f *fakeStore) Change(_ context.Context, id string) (*ledger.ChangeRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) MarkRolledBack(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.records[id].RolledBack = true
	f.marked++
	return nil
}

func newService(repo content.Repository, recs ...*ledger.ChangeRecord) (*Service, *fakeStore) {
	store := &fakeStore{records: map[string]*ledger.ChangeRecord{}}
	for _, r := range recs {
		store.records[r.ID] = r
	}
	return New(repo, store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func mustSHA(t *testing.T, repo content.Repository, path string) string {
	t.Helper()
	f, err := repo.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get(%s): %v", path, err)
	}
	return f.SHA
}

func TestRollback_RestoresAndDeletes(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemory(map[string]string{"index.html": "v1"})
	prior := mustSHA(t, repo, "index.html")

	// The change: overwrite index.html, create events.html.
	repo.Put(ctx, "index.html", "v2", "edit", prior)
	repo.Put(ctx, "events.html", "new", "add", "")

	svc, store := newService(repo, &ledger.ChangeRecord{ID: "c1", Snapshots: []ledger.Snapshot{
		{Path: "index.html", PriorSHA: prior, Existed: true},
		{Path: "events.html", Existed: false},
	}})

	report, err := svc.Rollback(ctx, "c1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !report.OK || report.Message != "Rolled back 2 file(s). Deploying now (~30s)." {
		t.Errorf("report = %+v", report)
	}
	if f, _ := repo.Get(ctx, "index.html"); f.Content != "v1" {
		t.Errorf("index.html = %q, want v1", f.Content)
	}
	if _, err := repo.Get(ctx, "events.html"); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("events.html still present: %v", err)
	}
	if !store.records["c1"].RolledBack {
		t.Error("record not marked rolled back")
	}
}

func TestRollback_PartialFailure(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemory(map[string]string{"about.html": "old about"})
	prior := mustSHA(t, repo, "about.html")
	repo.Put(ctx, "about.html", "new about", "edit", prior)
	repo.Put(ctx, "gallery.html", "gallery", "add", "")
	repo.Prune(prior)

	svc, store := newService(repo, &ledger.ChangeRecord{ID: "c2", Snapshots: []ledger.Snapshot{
		{Path: "about.html", PriorSHA: prior, Existed: true},
		{Path: "gallery.html", Existed: false},
	}})

	report, err := svc.Rollback(ctx, "c2")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if report.OK {
		t.Error("report.OK = true, want false")
	}
	got := map[string]string{}
	for _, r := range report.Results {
		got[r.Path] = r.Action
	}
	if got["about.html"] != ActionRestoreFailed || got["gallery.html"] != ActionDeleted {
		t.Errorf("results = %+v", report.Results)
	}
	if report.Message != "Partial rollback: 1 file(s) failed. Check results." {
		t.Errorf("message = %q", report.Message)
	}
	if !store.records["c2"].RolledBack {
		t.Error("partial rollback must still mark the record")
	}
}

func TestRollback_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemory(nil)
	repo.Put(ctx, "a.html", "a", "add", "")

	svc, store := newService(repo, &ledger.ChangeRecord{ID: "c3", Snapshots: []ledger.Snapshot{{Path: "a.html"}}})
	if _, err := svc.Rollback(ctx, "c3"); err != nil {
		t.Fatalf("first Rollback: %v", err)
	}
	repo.Put(ctx, "a.html", "recreated", "add again", "")

	if _, err := svc.Rollback(ctx, "c3"); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Errorf("second Rollback err = %v, want ErrAlreadyRolledBack", err)
	}
	if f, err := repo.Get(ctx, "a.html"); err != nil || f.Content != "recreated" {
		t.Errorf("second rollback had side effects: %+v, %v", f, err)
	}
	if store.marked != 1 {
		t.Errorf("marked %d times, want 1", store.marked)
	}
}

func TestRollback_Errors(t *testing.T) {
	repo := content.NewMemory(nil)
	svc, _ := newService(repo, &ledger.ChangeRecord{ID: "empty"})
	ctx := context.Background()

	if _, err := svc.Rollback(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := svc.Rollback(ctx, "empty"); !errors.Is(err, ErrNoSnapshots) {
		t.Errorf("empty err = %v", err)
	}
}

func TestRollback_SkipsAlreadyGone(t *testing.T) {
	repo := content.NewMemory(nil)
	svc, _ := newService(repo, &ledger.ChangeRecord{ID: "c4", Snapshots: []ledger.Snapshot{{Path: "tmp.html"}}})

	report, err := svc.Rollback(context.Background(), "c4")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !report.OK || report.Results[0].Action != ActionSkip {
		t.Errorf("report = %+v", report)
	}
}

func TestRollback_RepeatedWritesRestoreOldest(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemory(map[string]string{"home.html": "original"})
	first := mustSHA(t, repo, "home.html")
	second, _ := repo.Put(ctx, "home.html", "edit one", "m", first)
	repo.Put(ctx, "home.html", "edit two", "m", second)

	svc, _ := newService(repo, &ledger.ChangeRecord{ID: "c5", Snapshots: []ledger.Snapshot{
		{Path: "home.html", PriorSHA: first, Existed: true},
		{Path: "home.html", PriorSHA: second, Existed: true},
	}})
	report, err := svc.Rollback(ctx, "c5")
	if err != nil || !report.OK {
		t.Fatalf("Rollback = %+v, %v", report, err)
	}
	if f, _ := repo.Get(ctx, "home.html"); f.Content != "original" {
		t.Errorf("home.html = %q, want original", f.Content)
	}
}

func TestRollback_MissingRevisionIsError(t *testing.T) {
	repo := content.NewMemory(nil)
	svc, _ := newService(repo, &ledger.ChangeRecord{ID: "c6", Snapshots: []ledger.Snapshot{{Path: "x.html", Existed: true}}})

	report, err := svc.Rollback(context.Background(), "c6")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if report.OK || report.Results[0].Action != ActionError {
		t.Errorf("report = %+v", report)
	}
}

func TestRollback_MarkFailureKeepsReport(t *testing.T) {
	ctx := context.Background()
	repo := content.NewMemory(map[string]string{"faq.html": "v1"})
	prior := mustSHA(t, repo, "faq.html")
	repo.Put(ctx, "faq.html", "v2", "edit", prior)

	svc, store := newService(repo, &ledger.ChangeRecord{ID: "c7", Snapshots: []ledger.Snapshot{
		{Path: "faq.html", PriorSHA: prior, Existed: true},
	}})
	store.markErr = errors.New("connection reset")

	report, err := svc.Rollback(ctx, "c7")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !report.OK || len(report.Results) != 1 || report.Results[0].Action != ActionRestored {
		t.Errorf("report = %+v", report)
	}
	if !strings.Contains(report.Message, "could not be marked as rolled back (connection reset)") {
		t.Errorf("message = %q", report.Message)
	}
	if f, _ := repo.Get(ctx, "faq.html"); f.Content != "v1" {
		t.Errorf("faq.html = %q, want v1", f.Content)
	}
}
