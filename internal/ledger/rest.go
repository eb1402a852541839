package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meitheal/steward/internal/datastore"
)

// RESTStore keeps the ledger in the community's Supabase tables.
type RESTStore struct {
	db     *datastore.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRESTStore creates a ledger over a service-key PostgREST client.
func NewRESTStore(db *datastore.Client, logger *slog.Logger) *RESTStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTStore{db: db, logger: logger, now: time.Now}
}

// Settings implements Store.
func (s *RESTStore) Settings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := s.db.SelectInto(ctx, "settings", datastore.Query{Select: "key,value"}, &rows); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		switch v := r.Value.(type) {
		case nil:
			out[r.Key] = ""
		case string:
			out[r.Key] = v
		default:
			b, _ := json.Marshal(v)
			out[r.Key] = string(b)
		}
	}
	return out, nil
}

// UpdateSetting implements Store. Only existing keys can be updated.
func (s *RESTStore) UpdateSetting(ctx context.Context, key, value string) error {
	n, err := s.db.Patch(ctx, "settings", datastore.Eq("key", key), map[string]any{
		"value":      value,
		"updated_at": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return nil
}

type restConversation struct {
	ID        datastore.ID `json:"id"`
	Messages  []Turn       `json:"messages"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (r restConversation) conversation() *Conversation {
	return &Conversation{ID: string(r.ID), Turns: r.Messages, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// Conversation implements Store.
func (s *RESTStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var rows []restConversation
	if err := s.db.SelectInto(ctx, "conversations", datastore.Query{Filter: datastore.Eq("id", id)}, &rows); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return rows[0].conversation(), nil
}

// CreateConversation implements Store.
func (s *RESTStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	var rows []restConversation
	if err := s.db.Insert(ctx, "conversations", map[string]any{"messages": []Turn{}}, &rows); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("create conversation: no row returned")
	}
	return rows[0].conversation(), nil
}

// SaveConversation implements Store.
func (s *RESTStore) SaveConversation(ctx context.Context, c *Conversation) error {
	turns := c.Turns
	if turns == nil {
		turns = []Turn{}
	}
	n, err := s.db.Patch(ctx, "conversations", datastore.Eq("id", c.ID), map[string]any{
		"messages":   turns,
		"updated_at": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save conversation %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

type restChange struct {
	ID              datastore.ID `json:"id,omitempty"`
	AdminID         *string      `json:"admin_id"`
	Description     *string      `json:"description"`
	FilesChanged    []FileChange `json:"files_changed"`
	SQLRun          *string      `json:"sql_run"`
	ConversationID  *string      `json:"conversation_id"`
	ProposalID      *string      `json:"proposal_id"`
	SuggestedBy     *string      `json:"suggested_by"`
	SuggestedByName *string      `json:"suggested_by_name"`
	Snapshots       []Snapshot   `json:"rollback_snapshots"`
	RolledBack      bool         `json:"rolled_back"`
	CreatedAt       time.Time    `json:"created_at,omitzero"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// restChangeRead mirrors restChange with ids that may be numeric.
type restChangeRead struct {
	restChange
	AdminID        datastore.ID `json:"admin_id"`
	ConversationID datastore.ID `json:"conversation_id"`
	ProposalID     datastore.ID `json:"proposal_id"`
	SuggestedBy    datastore.ID `json:"suggested_by"`
}

// CreateChange implements Store.
func (s *RESTStore) CreateChange(ctx context.Context, rec *ChangeRecord) (string, error) {
	row := restChange{
		AdminID:         optional(rec.AdminID),
		Description:     optional(rec.Description),
		FilesChanged:    rec.FilesChanged,
		SQLRun:          optional(rec.SQLRun),
		ConversationID:  optional(rec.ConversationID),
		ProposalID:      optional(rec.ProposalID),
		SuggestedBy:     optional(rec.SuggestedBy),
		SuggestedByName: optional(rec.SuggestedByName),
		Snapshots:       rec.Snapshots,
	}
	if len(row.FilesChanged) == 0 {
		row.FilesChanged = nil
	}
	if len(row.Snapshots) == 0 {
		row.Snapshots = nil
	}

	var created []struct {
		ID datastore.ID `json:"id"`
	}
	if err := s.db.Insert(ctx, "changelog", row, &created); err != nil {
		return "", fmt.Errorf("insert change record: %w", err)
	}
	if len(created) == 0 {
		return "", errors.New("insert change record: no row returned")
	}
	return string(created[0].ID), nil
}

// Change implements Store.
func (s *RESTStore) Change(ctx context.Context, id string) (*ChangeRecord, error) {
	var rows []restChangeRead
	if err := s.db.SelectInto(ctx, "changelog", datastore.Query{Filter: datastore.Eq("id", id)}, &rows); err != nil {
		return nil, fmt.Errorf("load change record %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("change record %s: %w", id, ErrNotFound)
	}
	r := rows[0]
	return &ChangeRecord{
		ID:              string(r.ID),
		AdminID:         string(r.AdminID),
		Description:     deref(r.Description),
		FilesChanged:    r.FilesChanged,
		SQLRun:          deref(r.SQLRun),
		ConversationID:  string(r.ConversationID),
		ProposalID:      string(r.ProposalID),
		SuggestedBy:     string(r.SuggestedBy),
		SuggestedByName: deref(r.SuggestedByName),
		Snapshots:       r.Snapshots,
		RolledBack:      r.RolledBack,
		CreatedAt:       r.CreatedAt,
	}, nil
}

// MarkRolledBack implements Store.
func (s *RESTStore) MarkRolledBack(ctx context.Context, id string) error {
	n, err := s.db.Patch(ctx, "changelog", datastore.Eq("id", id), map[string]any{"rolled_back": true})
	if err != nil {
		return fmt.Errorf("mark %s rolled back: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("change record %s: %w", id, ErrNotFound)
	}
	return nil
}

type restFeedback struct {
	Message  string       `json:"message"`
	AuthorID datastore.ID `json:"author_id"`
}

type restProposal struct {
	ID          datastore.ID    `json:"id"`
	Title       string          `json:"title"`
	Description *string         `json:"description"`
	Status      string          `json:"status"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Feedback    json.RawMessage `json:"feedback"`
	Promoter    *struct {
		DisplayName string `json:"display_name"`
	} `json:"members"`
}

// origin returns the feedback the proposal was promoted from. The
// embedded relation is an object or a one-element array depending on
// the direction of the foreign key.
func (p restProposal) origin() *restFeedback {
	raw := bytes.TrimSpace(p.Feedback)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		var list []restFeedback
		if json.Unmarshal(raw, &list) != nil || len(list) == 0 {
			return nil
		}
		return &list[0]
	}
	var fb restFeedback
	if json.Unmarshal(raw, &fb) != nil {
		return nil
	}
	return &fb
}

// Proposal implements Store. The original submitter and promoter names
// are resolved through the members table.
func (s *RESTStore) Proposal(ctx context.Context, id string) (*Proposal, error) {
	var rows []restProposal
	q := datastore.Query{
		Select: "*,feedback(message,ref_number,author_id),members!proposals_promoted_by_fkey(display_name)",
		Filter: datastore.Eq("id", id),
	}
	if err := s.db.SelectInto(ctx, "proposals", q, &rows); err != nil {
		return nil, fmt.Errorf("load proposal %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	r := rows[0]

	p := &Proposal{
		ID:          string(r.ID),
		Title:       r.Title,
		Description: deref(r.Description),
		Status:      r.Status,
		ApprovedAt:  r.UpdatedAt,
	}
	if r.Promoter != nil {
		p.PromotedByName = r.Promoter.DisplayName
	}
	if fb := r.origin(); fb != nil {
		p.OriginalIdea = fb.Message
		p.SuggestedBy = string(fb.AuthorID)
	}
	if p.SuggestedBy != "" {
		var members []struct {
			DisplayName string `json:"display_name"`
		}
		err := s.db.SelectInto(ctx, "members", datastore.Query{
			Select: "display_name",
			Filter: datastore.Eq("id", p.SuggestedBy),
		}, &members)
		switch {
		case err != nil:
			s.logger.Warn("suggester lookup failed", "proposal", id, "member", p.SuggestedBy, "error", err)
		case len(members) > 0:
			p.SuggestedByName = members[0].DisplayName
		}
	}
	return p, nil
}

// SetProposalStatus implements Store.
func (s *RESTStore) SetProposalStatus(ctx context.Context, id, status string) error {
	now := s.now().UTC().Format(time.RFC3339)
	body := map[string]any{"status": status}
	switch status {
	case ProposalBuilding:
		body["build_started_at"] = now
	case ProposalDone:
		body["build_finished_at"] = now
	}
	n, err := s.db.Patch(ctx, "proposals", datastore.Eq("id", id), body)
	if err != nil {
		return fmt.Errorf("set proposal %s status: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}
