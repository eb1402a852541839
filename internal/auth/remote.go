package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meitheal/steward/internal/httpkit"
)

// RemoteVerifier asks the Supabase auth server who a token belongs to.
// It works with any signing setup, at the cost of a request per call.
type RemoteVerifier struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewRemoteVerifier creates a verifier for the project at projectURL.
func NewRemoteVerifier(projectURL, anonKey string, logger *slog.Logger, opts ...httpkit.Option) *RemoteVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	base := []httpkit.Option{httpkit.WithHeader("apikey", anonKey), httpkit.WithLogger(logger)}
	return &RemoteVerifier{
		url:    strings.TrimRight(projectURL, "/") + "/auth/v1/user",
		http:   httpkit.NewClient(append(base, opts...)...),
		logger: logger,
	}
}

// Verify implements Verifier.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("verify token: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode auth user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: user.ID, Email: user.Email}, nil
}
