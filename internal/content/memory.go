package content

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Repository for local runs and tests. It keeps
// every blob ever written so old revisions stay readable, and computes
// revision ids the way git does.
type Memory struct {
	mu    sync.Mutex
	files map[string]string // path → current sha
	blobs map[string]string // sha → content
}

// NewMemory creates a repository holding the given path → content files.
func NewMemory(seed map[string]string) *Memory {
	m := &Memory{files: make(map[string]string), blobs: make(map[string]string)}
	for path, body := range seed {
		sha := blobSHA(body)
		m.blobs[sha] = body
		m.files[path] = sha
	}
	return m
}

func blobSHA(body string) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(body))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Get implements Repository.
func (m *Memory) Get(_ context.Context, path string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sha, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return &File{Path: path, Content: m.blobs[sha], SHA: sha}, nil
}

// Blob implements Repository.
func (m *Memory) Blob(_ context.Context, sha string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.blobs[sha]
	if !ok {
		return "", fmt.Errorf("blob %s: %w", sha, ErrNotFound)
	}
	return body, nil
}

// Put implements Repository.
func (m *Memory) Put(_ context.Context, path, body, _, baseSHA string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.files[path]; current != baseSHA {
		return "", fmt.Errorf("put %s: %w (base %q, current %q)", path, ErrConflict, baseSHA, current)
	}
	sha := blobSHA(body)
	m.blobs[sha] = body
	m.files[path] = sha
	return sha, nil
}

// Delete implements Repository.
func (m *Memory) Delete(_ context.Context, path, sha, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.files[path]
	if !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	if current != sha {
		return fmt.Errorf("delete %s: %w", path, ErrConflict)
	}
	delete(m.files, path)
	return nil
}

// List implements Repository.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for path := range m.files {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Prune forgets a stored revision, as garbage collection on a real
// host would.
func (m *Memory) Prune(sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, sha)
}
