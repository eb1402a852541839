// Package ledger persists what the agent did: conversations, change
// records with their rollback snapshots, proposal build state and the
// community settings the loop reads at the start of every invocation.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Proposal statuses.
const (
	ProposalApproved = "approved"
	ProposalBuilding = "building"
	ProposalDone     = "done"
)

// Turn is one entry of a conversation's history.
type Turn struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	ToolLog []ToolLogEntry `json:"tool_log,omitempty"`
	TS      time.Time      `json:"ts"`
}

// ToolLogEntry records one capability invocation.
type ToolLogEntry struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"args"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Conversation is the append-only history of exchanges with the agent.
type Conversation struct {
	ID        string
	Turns     []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the state of a file immediately before the agent
// mutated it. PriorSHA is empty when the file did not exist.
type Snapshot struct {
	Path     string `json:"path"`
	PriorSHA string `json:"sha,omitempty"`
	Existed  bool   `json:"existed"`
}

// FileChange lists one file touched by an invocation.
type FileChange struct {
	Action string `json:"action"` // write or delete
	Path   string `json:"path"`
}

// ChangeRecord is a changelog entry: what one invocation changed and
// how to undo it.
type ChangeRecord struct {
	ID              string
	AdminID         string
	Description     string
	FilesChanged    []FileChange
	SQLRun          string
	ConversationID  string
	ProposalID      string
	SuggestedBy     string
	SuggestedByName string
	Snapshots       []Snapshot
	RolledBack      bool
	CreatedAt       time.Time
}

// Proposal is an operator-approved change request queued for a build.
type Proposal struct {
	ID              string
	Title           string
	Description     string
	Status          string
	OriginalIdea    string
	SuggestedBy     string // member id of the original submitter
	SuggestedByName string
	PromotedByName  string
	ApprovedAt      time.Time
}

// Store is the persistence the turn loop and rollback need.
type Store interface {
	// Settings returns every community setting as key → value.
	Settings(ctx context.Context) (map[string]string, error)
	UpdateSetting(ctx context.Context, key, value string) error

	// Conversation returns an existing conversation or ErrNotFound.
	Conversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context) (*Conversation, error)
	// SaveConversation replaces the stored history of c.
	SaveConversation(ctx context.Context, c *Conversation) error

	// CreateChange stores rec and returns its id.
	CreateChange(ctx context.Context, rec *ChangeRecord) (string, error)
	Change(ctx context.Context, id string) (*ChangeRecord, error)
	MarkRolledBack(ctx context.Context, id string) error

	Proposal(ctx context.Context, id string) (*Proposal, error)
	// SetProposalStatus moves a proposal through its build lifecycle and
	// stamps the matching build timestamp.
	SetProposalStatus(ctx context.Context, id, status string) error
}
