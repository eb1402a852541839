package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps the ledger in a local SQLite database. It backs
// local runs where no Supabase project is configured.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and applies pending migrations.
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return nil, fmt.Errorf("ledger migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	for _, r := range results {
		logger.Debug("ledger migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Settings implements Store.
func (s *SQLiteStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpdateSetting implements Store. Unlike the hosted store, a missing key
// is created.
func (s *SQLiteStore) UpdateSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.stamp())
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}
	return nil
}

// Conversation implements Store.
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		messages         string
		created, updated sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&messages, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", id, err)
	}

	c := &Conversation{ID: id, CreatedAt: parseTime(created), UpdatedAt: parseTime(updated)}
	if err := json.Unmarshal([]byte(messages), &c.Turns); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return c, nil
}

// CreateConversation implements Store.
func (s *SQLiteStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := s.stamp()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, messages, created_at, updated_at) VALUES (?, '[]', ?, ?)`,
		id, now, now); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	t, _ := time.Parse(time.RFC3339, now)
	return &Conversation{ID: id, CreatedAt: t, UpdatedAt: t}, nil
}

// SaveConversation implements Store.
func (s *SQLiteStore) SaveConversation(ctx context.Context, c *Conversation) error {
	turns := c.Turns
	if turns == nil {
		turns = []Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET messages = ?, updated_at = ? WHERE id = ?`,
		string(data), s.stamp(), c.ID)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save conversation %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func marshalOrNull(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateChange implements Store.
func (s *SQLiteStore) CreateChange(ctx context.Context, rec *ChangeRecord) (string, error) {
	id := rec.ID
	if id == "" {
		var err error
		if id, err = newID(); err != nil {
			return "", err
		}
	}
	files, err := marshalOrNull(rec.FilesChanged, len(rec.FilesChanged) == 0)
	if err != nil {
		return "", fmt.Errorf("encode files changed: %w", err)
	}
	snaps, err := marshalOrNull(rec.Snapshots, len(rec.Snapshots) == 0)
	if err != nil {
		return "", fmt.Errorf("encode rollback snapshots: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changelog
			(id, admin_id, description, files_changed, sql_run, conversation_id, proposal_id,
			 suggested_by, suggested_by_name, rollback_snapshots, rolled_back, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id,
		nullable(rec.AdminID),
		nullable(rec.Description),
		files,
		nullable(rec.SQLRun),
		nullable(rec.ConversationID),
		nullable(rec.ProposalID),
		nullable(rec.SuggestedBy),
		nullable(rec.SuggestedByName),
		snaps,
		s.stamp(),
	)
	if err != nil {
		return "", fmt.Errorf("insert change record: %w", err)
	}
	return id, nil
}

// Change implements Store.
func (s *SQLiteStore) Change(ctx context.Context, id string) (*ChangeRecord, error) {
	var rec ChangeRecord
	var adminID, desc, files, sqlRun, convID, propID sql.NullString
	var suggestedBy, suggestedByName, snaps, created sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, admin_id, description, files_changed, sql_run, conversation_id, proposal_id,
		        suggested_by, suggested_by_name, rollback_snapshots, rolled_back, created_at
		 FROM changelog WHERE id = ?`, id,
	).Scan(&rec.ID, &adminID, &desc, &files, &sqlRun, &convID, &propID,
		&suggestedBy, &suggestedByName, &snaps, &rec.RolledBack, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query change record %s: %w", id, err)
	}

	rec.AdminID = adminID.String
	rec.Description = desc.String
	rec.SQLRun = sqlRun.String
	rec.ConversationID = convID.String
	rec.ProposalID = propID.String
	rec.SuggestedBy = suggestedBy.String
	rec.SuggestedByName = suggestedByName.String
	rec.CreatedAt = parseTime(created)
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &rec.FilesChanged); err != nil {
			return nil, fmt.Errorf("decode files changed: %w", err)
		}
	}
	if snaps.Valid {
		if err := json.Unmarshal([]byte(snaps.String), &rec.Snapshots); err != nil {
			return nil, fmt.Errorf("decode rollback snapshots: %w", err)
		}
	}
	return &rec, nil
}

// MarkRolledBack implements Store.
func (s *SQLiteStore) MarkRolledBack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE changelog SET rolled_back = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark %s rolled back: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("change record %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddProposal stores an approved proposal. The hosted store receives
// proposals from the community site; locally they are added by hand.
func (s *SQLiteStore) AddProposal(ctx context.Context, p *Proposal) (string, error) {
	id := p.ID
	if id == "" {
		var err error
		if id, err = newID(); err != nil {
			return "", err
		}
	}
	status := p.Status
	if status == "" {
		status = ProposalApproved
	}
	updated := p.ApprovedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals
			(id, title, description, status, original_idea, suggested_by, suggested_by_name,
			 promoted_by_name, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Title, nullable(p.Description), status, nullable(p.OriginalIdea),
		nullable(p.SuggestedBy), nullable(p.SuggestedByName), nullable(p.PromotedByName),
		updated.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert proposal: %w", err)
	}
	return id, nil
}

// Proposal implements Store.
func (s *SQLiteStore) Proposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	var desc, idea, suggestedBy, suggestedName, promoted, at sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, status, original_idea, suggested_by, suggested_by_name,
		        promoted_by_name, updated_at
		 FROM proposals WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &desc, &p.Status, &idea, &suggestedBy, &suggestedName, &promoted, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query proposal %s: %w", id, err)
	}
	p.Description = desc.String
	p.OriginalIdea = idea.String
	p.SuggestedBy = suggestedBy.String
	p.SuggestedByName = suggestedName.String
	p.PromotedByName = promoted.String
	p.ApprovedAt = parseTime(at)
	return &p, nil
}

// SetProposalStatus implements Store.
func (s *SQLiteStore) SetProposalStatus(ctx context.Context, id, status string) error {
	now := s.stamp()
	column := ""
	switch status {
	case ProposalBuilding:
		column = ", build_started_at = ?"
	case ProposalDone:
		column = ", build_finished_at = ?"
	}
	args := []any{status, now}
	if column != "" {
		args = append(args, now)
	}
	args = append(args, id)

	// column is one of two constants above.
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ?, updated_at = ?`+column+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("set proposal %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}
