package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meitheal/steward/internal/content"
)

// Document is the agent's persistent notes file (AGENT.md), stored in
// the site repository next to the pages it describes.
type Document struct {
	repo   content.Repository
	path   string
	logger *slog.Logger
}

// NewDocument returns the memory document at path in repo.
func NewDocument(repo content.Repository, path string, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{repo: repo, path: path, logger: logger}
}

// Path returns the repository path of the document.
func (d *Document) Path() string { return d.path }

// Load returns the document text, or "" when it does not exist yet.
func (d *Document) Load(ctx context.Context) (string, error) {
	f, err := d.repo.Get(ctx, d.path)
	if errors.Is(err, content.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", d.path, err)
	}
	return f.Content, nil
}

// Get returns the document with its revision, or content.ErrNotFound.
func (d *Document) Get(ctx context.Context) (*content.File, error) {
	return d.repo.Get(ctx, d.path)
}

// Save replaces the document, creating it if needed.
func (d *Document) Save(ctx context.Context, text, message string) error {
	sha, err := content.CurrentSHA(ctx, d.repo, d.path)
	if err != nil {
		return fmt.Errorf("save %s: %w", d.path, err)
	}
	if _, err := d.repo.Put(ctx, d.path, text, message, sha); err != nil {
		return fmt.Errorf("save %s: %w", d.path, err)
	}
	d.logger.Info("memory document saved", "path", d.path, "bytes", len(text))
	return nil
}
