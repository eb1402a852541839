package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the Supabase access token claims Steward reads.
type Claims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	Role        string `json:"role"` // "authenticated" or "anon"
	IsAnonymous bool   `json:"is_anonymous"`
}

// JWKSVerifier checks tokens locally against the project's published
// signing keys. Keys are cached and refreshed by keyfunc.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewJWKSVerifier fetches the key set at jwksURL.
func NewJWKSVerifier(ctx context.Context, jwksURL string, logger *slog.Logger) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create jwks client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("jwt verifier initialized", "jwks_url", jwksURL)
	return &JWKSVerifier{jwks: jwks, logger: logger}, nil
}

// NewStaticJWKSVerifier verifies against a fixed JSON key set.
func NewStaticJWKSVerifier(raw []byte, logger *slog.Logger) (*JWKSVerifier, error) {
	jwks, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWKSVerifier{jwks: jwks, logger: logger}, nil
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		v.logger.Debug("token rejected", "error", err)
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	if claims.Role != "authenticated" || claims.IsAnonymous {
		v.logger.Debug("token has non-user role", "role", claims.Role, "sub", claims.Subject)
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
