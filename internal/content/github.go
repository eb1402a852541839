package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// GitHub is a Repository backed by one branch of a GitHub repository
// through the contents and git data APIs.
type GitHub struct {
	client *gogithub.Client
	owner  string
	name   string
	branch string
	logger *slog.Logger
}

// NewGitHub creates a GitHub repository client. base supplies the
// transport and timeout; the token is attached through an oauth2 static
// token source. baseURL selects a GitHub Enterprise server and is empty
// for github.com.
func NewGitHub(base *http.Client, token, baseURL, repo, branch string, logger *slog.Logger) (*GitHub, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   base.Transport,
		},
	}
	client := gogithub.NewClient(hc)
	if baseURL != "" {
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("content: github base url: %w", err)
		}
	}

	return &GitHub{
		client: client,
		owner:  owner,
		name:   name,
		branch: branch,
		logger: logger.With("repo", repo, "branch", branch),
	}, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("content: invalid repo %q: expected owner/name", repo)
	}
	return owner, name, nil
}

func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp != nil && resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// classify maps GitHub status codes onto the package's sentinel errors.
func classify(op, path string, resp *gogithub.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%s %s: %w: %v", op, path, ErrConflict, err)
		}
	}
	return fmt.Errorf("content: %s %s: %w", op, path, err)
}

// Get implements Repository.
func (g *GitHub) Get(ctx context.Context, path string) (*File, error) {
	fc, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.name, path,
		&gogithub.RepositoryContentGetOptions{Ref: g.branch})
	if err != nil {
		return nil, classify("get", path, resp, err)
	}
	g.checkRateLimit(resp)
	if fc == nil {
		return nil, fmt.Errorf("content: get %s: path is a directory", path)
	}

	body, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("content: decode %s: %w", path, err)
	}
	return &File{Path: path, Content: body, SHA: fc.GetSHA()}, nil
}

// Blob implements Repository.
func (g *GitHub) Blob(ctx context.Context, sha string) (string, error) {
	blob, resp, err := g.client.Git.GetBlob(ctx, g.owner, g.name, sha)
	if err != nil {
		return "", classify("blob", sha, resp, err)
	}
	g.checkRateLimit(resp)

	if blob.GetEncoding() != "base64" {
		return blob.GetContent(), nil
	}
	// GitHub wraps base64 blob content at 60 columns.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.GetContent(), "\n", ""))
	if err != nil {
		return "", fmt.Errorf("content: decode blob %s: %w", sha, err)
	}
	return string(decoded), nil
}

// Put implements Repository.
func (g *GitHub) Put(ctx context.Context, path, body, message, baseSHA string) (string, error) {
	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.Ptr(message),
		Content: []byte(body),
		Branch:  gogithub.Ptr(g.branch),
	}

	var (
		result *gogithub.RepositoryContentResponse
		resp   *gogithub.Response
		err    error
	)
	if baseSHA == "" {
		result, resp, err = g.client.Repositories.CreateFile(ctx, g.owner, g.name, path, opts)
	} else {
		opts.SHA = gogithub.Ptr(baseSHA)
		result, resp, err = g.client.Repositories.UpdateFile(ctx, g.owner, g.name, path, opts)
	}
	if err != nil {
		return "", classify("put", path, resp, err)
	}
	g.checkRateLimit(resp)

	g.logger.Info("file written", "path", path, "bytes", len(body), "replaced", baseSHA != "")
	if result == nil || result.Content == nil {
		return "", nil
	}
	return result.Content.GetSHA(), nil
}

// Delete implements Repository.
func (g *GitHub) Delete(ctx context.Context, path, sha, message string) error {
	_, resp, err := g.client.Repositories.DeleteFile(ctx, g.owner, g.name, path,
		&gogithub.RepositoryContentFileOptions{
			Message: gogithub.Ptr(message),
			SHA:     gogithub.Ptr(sha),
			Branch:  gogithub.Ptr(g.branch),
		})
	if err != nil {
		return classify("delete", path, resp, err)
	}
	g.checkRateLimit(resp)
	g.logger.Info("file deleted", "path", path)
	return nil
}

// List implements Repository.
func (g *GitHub) List(ctx context.Context, prefix string) ([]string, error) {
	tree, resp, err := g.client.Git.GetTree(ctx, g.owner, g.name, g.branch, true)
	if err != nil {
		return nil, classify("list", prefix, resp, err)
	}
	g.checkRateLimit(resp)
	if tree.GetTruncated() {
		g.logger.Warn("repository tree truncated by github", "entries", len(tree.Entries))
	}

	var paths []string
	for _, e := range tree.Entries {
		if e.GetType() == "blob" && strings.HasPrefix(e.GetPath(), prefix) {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, nil
}
