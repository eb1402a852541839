package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(context.Background(), db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func TestSQLiteStore_Settings(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	if err := s.UpdateSetting(ctx, "community_name", "Meitheal"); err != nil {
		t.Fatalf("UpdateSetting: %v", err)
	}
	if err := s.UpdateSetting(ctx, "community_name", "Meitheal Co-op"); err != nil {
		t.Fatalf("UpdateSetting (overwrite): %v", err)
	}
	got, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if got["community_name"] != "Meitheal Co-op" || len(got) != 1 {
		t.Errorf("Settings = %v", got)
	}
}

func TestSQLiteStore_Conversation(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	c.Turns = append(c.Turns,
		Turn{Role: "user", Content: "add a contact page"},
		Turn{Role: "assistant", Content: "done", ToolLog: []ToolLogEntry{
			{Tool: "write_file", Arguments: map[string]any{"path": "contact.html"}, Result: map[string]any{"written": "contact.html"}},
		}},
	)
	if err := s.SaveConversation(ctx, c); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	got, err := s.Conversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(got.Turns))
	}
	if got.Turns[1].ToolLog[0].Tool != "write_file" {
		t.Errorf("tool log = %+v", got.Turns[1].ToolLog)
	}

	if _, err := s.Conversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Conversation(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.SaveConversation(ctx, &Conversation{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveConversation(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ChangeRecords(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	id, err := s.CreateChange(ctx, &ChangeRecord{
		AdminID:      "m-1",
		Description:  "Contact page",
		FilesChanged: []FileChange{{Action: "write", Path: "contact.html"}},
		SQLRun:       "CREATE TABLE a();\n\n---\n\nCREATE TABLE b();",
		Snapshots: []Snapshot{
			{Path: "contact.html"},
			{Path: "home.html", PriorSHA: "abc", Existed: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateChange: %v", err)
	}

	rec, err := s.Change(ctx, id)
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if rec.RolledBack {
		t.Error("new record is rolled back")
	}
	if len(rec.Snapshots) != 2 || rec.Snapshots[0].Existed || rec.Snapshots[1].PriorSHA != "abc" {
		t.Errorf("snapshots = %+v", rec.Snapshots)
	}
	if rec.ProposalID != "" || rec.Description != "Contact page" {
		t.Errorf("record = %+v", rec)
	}

	if err := s.MarkRolledBack(ctx, id); err != nil {
		t.Fatalf("MarkRolledBack: %v", err)
	}
	rec, _ = s.Change(ctx, id)
	if !rec.RolledBack {
		t.Error("record not marked rolled back")
	}

	if _, err := s.Change(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Change(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Proposals(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	id, err := s.AddProposal(ctx, &Proposal{
		Title:           "Events calendar",
		OriginalIdea:    "a page listing upcoming meetups",
		SuggestedBy:     "m-7",
		SuggestedByName: "Aoife",
		PromotedByName:  "admin",
	})
	if err != nil {
		t.Fatalf("AddProposal: %v", err)
	}

	p, err := s.Proposal(ctx, id)
	if err != nil {
		t.Fatalf("Proposal: %v", err)
	}
	if p.Status != ProposalApproved || p.SuggestedByName != "Aoife" || p.ApprovedAt.IsZero() {
		t.Errorf("proposal = %+v", p)
	}

	for _, status := range []string{ProposalBuilding, ProposalDone} {
		if err := s.SetProposalStatus(ctx, id, status); err != nil {
			t.Fatalf("SetProposalStatus(%s): %v", status, err)
		}
	}
	p, _ = s.Proposal(ctx, id)
	if p.Status != ProposalDone {
		t.Errorf("status = %q, want done", p.Status)
	}

	var started, finished sql.NullString
	s.db.QueryRow(`SELECT build_started_at, build_finished_at FROM proposals WHERE id = ?`, id).Scan(&started, &finished)
	if !started.Valid || !finished.Valid {
		t.Errorf("build timestamps = %v, %v", started, finished)
	}

	if err := s.SetProposalStatus(ctx, "missing", ProposalDone); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetProposalStatus(missing) err = %v, want ErrNotFound", err)
	}
}
