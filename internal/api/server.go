// Package api serves the operator-facing HTTP API: agent invocations,
// rollbacks and the agent's memory document.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/cors"
	"github.com/yuin/goldmark"

	"github.com/meitheal/steward/internal/agent"
	"github.com/meitheal/steward/internal/auth"
	"github.com/meitheal/steward/internal/buildinfo"
	"github.com/meitheal/steward/internal/memory"
	"github.com/meitheal/steward/internal/rollback"
)

const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs agent invocations.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// RollbackService undoes change records.
type RollbackService interface {
	Rollback(ctx context.Context, id string) (*rollback.Report, error)
}

// Authenticator identifies operators.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Member, error)
}

// Deps are the services the API exposes. A nil Auth runs the server in
// local mode: no tokens, loopback callers only.
type Deps struct {
	Agent       Runner
	Rollback    RollbackService
	Memory      *memory.Document
	Auth        Authenticator
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{address: address, port: port, deps: deps, logger: deps.Logger}
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/agent", s.requireOperator(s.handleAgent))
	mux.Handle("POST /api/rollback", s.requireOperator(s.handleRollback))
	mux.Handle("GET /api/memory", s.requireOperator(s.handleMemoryGet))
	mux.Handle("POST /api/memory", s.requireOperator(s.handleMemorySave))

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	var handler http.Handler = mux
	handler = s.withRecovery(handler)
	handler = s.withLogging(handler)
	if len(s.deps.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		}).Handler(handler)
	}
	return handler
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, fmt.Sprint(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Agent invocations run many model turns.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	mode := "supabase"
	if s.deps.Auth == nil {
		mode = "local"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "auth", mode)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("panic recovered",
					"error", v,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				s.errorResponse(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireOperator admits admins and stewards. In local mode it admits
// loopback callers instead.
func (s *Server) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			if !isLoopback(r.RemoteAddr) {
				s.errorResponse(w, http.StatusForbidden, "local mode accepts loopback requests only")
				return
			}
			next(w, r)
			return
		}

		m, err := s.deps.Auth.Authenticate(r)
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		case errors.Is(err, auth.ErrUnauthorized):
			s.errorResponse(w, http.StatusUnauthorized, "Invalid token")
		case errors.Is(err, auth.ErrForbidden):
			s.errorResponse(w, http.StatusForbidden, "Admin or steward access required")
		case err != nil:
			s.logger.Error("authentication failed", "error", err)
			s.errorResponse(w, http.StatusBadGateway, "could not verify caller")
		default:
			next(w, r.WithContext(auth.WithMember(r.Context(), m)))
		}
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Steward",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		errType = "authentication_error"
	case code >= 500:
		errType = "server_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// decodeBody reads a JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// renderMarkdown converts the agent's reply to HTML for the admin UI.
func renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return buf.String()
}
