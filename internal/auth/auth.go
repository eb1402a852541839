// Package auth identifies API callers from their Supabase access token
// and checks that they hold an operator role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/meitheal/steward/internal/datastore"
)

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrUnauthorized means the token could not be verified.
	ErrUnauthorized = errors.New("invalid token")
	// ErrForbidden means the caller is not an operator.
	ErrForbidden = errors.New("admin or steward access required")
)

// Roles allowed to drive the agent.
const (
	RoleAdmin   = "admin"
	RoleSteward = "steward"
)

// Identity is a verified auth user.
type Identity struct {
	UserID string
	Email  string
}

// Member is the community membership row of an auth user.
type Member struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// Verifier turns an access token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// MemberSource looks up the member for an auth user id.
type MemberSource interface {
	MemberByAuthID(ctx context.Context, authID string) (*Member, error)
}

// Members reads the members table through PostgREST.
type Members struct {
	db *datastore.Client
}

// NewMembers creates a member source on a service-key client.
func NewMembers(db *datastore.Client) *Members {
	return &Members{db: db}
}

// MemberByAuthID implements MemberSource. It returns ErrForbidden when
// the user has no member row.
func (m *Members) MemberByAuthID(ctx context.Context, authID string) (*Member, error) {
	var rows []struct {
		ID          datastore.ID `json:"id"`
		Role        string       `json:"role"`
		DisplayName string       `json:"display_name"`
	}
	err := m.db.SelectInto(ctx, "members", datastore.Query{
		Select: "id,role,display_name",
		Filter: datastore.Eq("auth_id", authID),
		Limit:  1,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("look up member: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrForbidden
	}
	return &Member{ID: string(rows[0].ID), Role: rows[0].Role, DisplayName: rows[0].DisplayName}, nil
}

// Authenticator checks requests against a verifier and member source.
type Authenticator struct {
	verifier Verifier
	members  MemberSource
	allowed  map[string]bool
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator admitting admins and
// stewards.
func NewAuthenticator(v Verifier, members MemberSource, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		verifier: v,
		members:  members,
		allowed:  map[string]bool{RoleAdmin: true, RoleSteward: true},
		logger:   logger,
	}
}

// Authenticate identifies the caller of r and checks their role.
func (a *Authenticator) Authenticate(r *http.Request) (*Member, error) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, ErrMissingToken
	}
	id, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, err
	}
	m, err := a.members.MemberByAuthID(r.Context(), id.UserID)
	if err != nil {
		return nil, err
	}
	if !a.allowed[m.Role] {
		a.logger.Info("caller lacks operator role", "member", m.ID, "role", m.Role)
		return nil, ErrForbidden
	}
	return m, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type memberKey struct{}

// WithMember returns a context carrying m.
func WithMember(ctx context.Context, m *Member) context.Context {
	return context.WithValue(ctx, memberKey{}, m)
}

// MemberFromContext returns the authenticated member, or nil.
func MemberFromContext(ctx context.Context) *Member {
	m, _ := ctx.Value(memberKey{}).(*Member)
	return m
}
