// Package content is the site's version-controlled file store. Files are
// addressed by path and every write names the revision it replaces, so
// a stale writer fails instead of overwriting someone else's change.
package content

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the path or revision does not exist.
	ErrNotFound = errors.New("content: not found")
	// ErrConflict means the base revision given to a write is stale.
	ErrConflict = errors.New("content: revision conflict")
)

// File is one file at a specific revision.
type File struct {
	Path    string
	Content string
	// SHA is the revision id of this version of the file.
	SHA string
}

// Repository is the subset of a git hosting API the agent needs.
type Repository interface {
	// Get returns the current version of path, or ErrNotFound.
	Get(ctx context.Context, path string) (*File, error)

	// Blob returns the content stored at a revision id, or ErrNotFound
	// when the revision is gone.
	Blob(ctx context.Context, sha string) (string, error)

	// Put writes path. baseSHA must be the current revision for an
	// existing file and empty for a new one. It returns the new revision.
	Put(ctx context.Context, path, content, message, baseSHA string) (string, error)

	// Delete removes path at revision sha.
	Delete(ctx context.Context, path, sha, message string) error

	// List returns every file path starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// CurrentSHA returns the current revision of path, or "" if the path
// does not exist.
func CurrentSHA(ctx context.Context, repo Repository, path string) (string, error) {
	f, err := repo.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.SHA, nil
}
