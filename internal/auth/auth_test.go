package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meitheal/steward/internal/datastore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type signer struct {
	key  *rsa.PrivateKey
	jwks []byte
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": "test-key",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	return &signer{key: key, jwks: raw}
}

func (s *signer) token(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func userClaims(sub string, ttl time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Email: sub + "@example.org",
		Role:  "authenticated",
	}
}

func TestJWKSVerifier(t *testing.T) {
	s := newSigner(t)
	v, err := NewStaticJWKSVerifier(s.jwks, discardLogger())
	if err != nil {
		t.Fatalf("NewStaticJWKSVerifier: %v", err)
	}

	anon := userClaims("anon-1", time.Hour)
	anon.Role = "anon"
	noExp := userClaims("u2", time.Hour)
	noExp.ExpiresAt = nil

	tests := []struct {
		name    string
		token   string
		wantSub string
	}{
		{name: "valid", token: s.token(t, userClaims("user-1", time.Hour)), wantSub: "user-1"},
		{name: "expired", token: s.token(t, userClaims("user-1", -time.Hour))},
		{name: "anon role", token: s.token(t, anon)},
		{name: "no expiry", token: s.token(t, noExp)},
		{name: "garbage", token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tt.token)
			if tt.wantSub == "" {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("err = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if id.UserID != tt.wantSub || id.Email != "user-1@example.org" {
				t.Errorf("identity = %+v", id)
			}
		})
	}
}

func TestJWKSVerifier_RejectsHS256(t *testing.T) {
	s := newSigner(t)
	v, _ := NewStaticJWKSVerifier(s.jwks, discardLogger())
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims("user-1", time.Hour))
	tok.Header["kid"] = "test-key"
	signed, _ := tok.SignedString([]byte("shared-secret"))

	if _, err := v.Verify(context.Background(), signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRemoteVerifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "anon-key" {
			t.Errorf("apikey = %q", r.Header.Get("apikey"))
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"id":"user-9","email":"nora@example.org"}`))
		case "Bearer broken":
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	v := NewRemoteVerifier(ts.URL, "anon-key", discardLogger())
	ctx := context.Background()

	id, err := v.Verify(ctx, "good")
	if err != nil || id.UserID != "user-9" {
		t.Errorf("Verify(good) = %+v, %v", id, err)
	}
	if _, err := v.Verify(ctx, "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify(bad) err = %v", err)
	}
	if _, err := v.Verify(ctx, "broken"); err == nil || errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify(broken) err = %v, want upstream failure", err)
	}
}

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if sub, ok := f[token]; ok {
		return &Identity{UserID: sub}, nil
	}
	return nil, ErrUnauthorized
}

func TestAuthenticator(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/members", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("select") != "id,role,display_name" {
			t.Errorf("select = %q", q.Get("select"))
		}
		switch q.Get("auth_id") {
		case "eq.auth-admin":
			w.Write([]byte(`[{"id":1,"role":"admin","display_name":"Sean"}]`))
		case "eq.auth-steward":
			w.Write([]byte(`[{"id":"m-2","role":"steward","display_name":"Aoife"}]`))
		case "eq.auth-member":
			w.Write([]byte(`[{"id":3,"role":"member","display_name":"Cian"}]`))
		default:
			w.Write([]byte(`[]`))
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := NewAuthenticator(
		fakeVerifier{"t-admin": "auth-admin", "t-steward": "auth-steward", "t-member": "auth-member", "t-stranger": "auth-none"},
		NewMembers(datastore.NewClient(ts.URL, "service-key", discardLogger())),
		discardLogger(),
	)

	tests := []struct {
		name   string
		header string
		wantID string
		want   error
	}{
		{name: "admin", header: "Bearer t-admin", wantID: "1"},
		{name: "steward", header: "bearer t-steward", wantID: "m-2"},
		{name: "member", header: "Bearer t-member", want: ErrForbidden},
		{name: "no member row", header: "Bearer t-stranger", want: ErrForbidden},
		{name: "bad token", header: "Bearer nope", want: ErrUnauthorized},
		{name: "no header", want: ErrMissingToken},
		{name: "basic auth", header: "Basic abc", want: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/agent", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			m, err := a.Authenticate(r)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Errorf("err = %v, want %v", err, tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if m.ID != tt.wantID {
				t.Errorf("member = %+v, want id %s", m, tt.wantID)
			}
		})
	}
}

func TestMemberContext(t *testing.T) {
	ctx := WithMember(context.Background(), &Member{ID: "7"})
	if m := MemberFromContext(ctx); m == nil || m.ID != "7" {
		t.Errorf("MemberFromContext = %+v", m)
	}
	if m := MemberFromContext(context.Background()); m != nil {
		t.Errorf("empty context member = %+v", m)
	}
}
