package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meitheal/steward/internal/agent"
	"github.com/meitheal/steward/internal/api"
	"github.com/meitheal/steward/internal/auth"
	"github.com/meitheal/steward/internal/buildinfo"
	"github.com/meitheal/steward/internal/config"
	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/datastore"
	"github.com/meitheal/steward/internal/httpkit"
	"github.com/meitheal/steward/internal/ledger"
	"github.com/meitheal/steward/internal/llm"
	"github.com/meitheal/steward/internal/memory"
	"github.com/meitheal/steward/internal/rollback"
	"github.com/meitheal/steward/internal/telemetry"
	"github.com/meitheal/steward/internal/tools"
	"github.com/meitheal/steward/internal/usage"
)

// app holds the wired components every command shares.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	loop       *agent.Loop
	rollback   *rollback.Service
	memory     *memory.Document
	auth       api.Authenticator // nil in local mode
	usageStore *usage.Store      // nil unless the ledger is sqlite
	closers    []func()
}

// Close releases databases and flushes traces, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadConfig finds and loads the config file. With no explicit path and
// nothing on the search path, the local-mode defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newApp wires configuration into running components. Logs go to
// logOut. On error everything opened so far is closed.
func newApp(ctx context.Context, logOut io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info("no config file found, running in local mode")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, buildinfo.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	})

	var data *datastore.Client
	if cfg.Supabase.URL != "" {
		data = datastore.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey, logger,
			httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger))
	}

	var sqlExec datastore.SQLExecutor
	switch {
	case cfg.Database.URL != "":
		pgx, err := datastore.NewPgxExecutor(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pgx.Close)
		sqlExec = pgx
	case data != nil:
		sqlExec = datastore.NewRPCExecutor(data)
	}

	repo, err := openContent(cfg, logger)
	if err != nil {
		return nil, err
	}

	var store ledger.Store
	var recorder usage.Recorder
	switch cfg.Ledger.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		sqlite, err := ledger.OpenSQLite(ctx, cfg.Ledger.Path, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { sqlite.Close() })
		store = sqlite

		us, err := usage.NewStore(filepath.Join(filepath.Dir(cfg.Ledger.Path), "usage.db"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { us.Close() })
		a.usageStore = us
		recorder = us
	default:
		store = ledger.NewRESTStore(data, logger)
		recorder = usage.NewRESTRecorder(data)
	}

	a.memory = memory.NewDocument(repo, cfg.Content.MemoryPath, logger)

	deps := tools.Deps{
		Repo:      repo,
		Data:      data,
		SQL:       sqlExec,
		Settings:  store,
		Memory:    a.memory,
		Protected: cfg.Agent.ProtectedPaths,
		Logger:    logger,
	}
	exec, err := tools.NewExecutor(deps)
	if err != nil {
		return nil, err
	}

	providers := llm.NewRegistry(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)), logger)
	for name, p := range cfg.Providers {
		providers.Configure(name, p.BaseURL, p.MaxTokens, p.APIKey)
	}
	providers.SetOllamaURL(cfg.Agent.OllamaURL)

	a.loop = agent.NewLoop(agent.Config{
		MaxTurns:        cfg.Agent.MaxTurns,
		DefaultProvider: cfg.Agent.DefaultProvider,
		DefaultModel:    cfg.Agent.DefaultModel,
		APIKey:          cfg.Agent.APIKey,
		OllamaURL:       cfg.Agent.OllamaURL,
		Protected:       cfg.Agent.ProtectedPaths,
		Pricing:         cfg.Pricing,
	}, providers, exec, store, a.memory, recorder, logger)

	a.rollback = rollback.New(repo, store, logger)

	if data != nil {
		verifier, err := newVerifier(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.auth = auth.NewAuthenticator(verifier, auth.NewMembers(data), logger)
	}

	logger.Info("steward ready",
		"version", buildinfo.Version,
		"content", cfg.Content.Backend,
		"ledger", cfg.Ledger.Backend,
		"provider", cfg.Agent.DefaultProvider,
		"model", cfg.Agent.DefaultModel,
		"tools", len(exec.Definitions()),
	)
	ready = true
	return a, nil
}

func openContent(cfg *config.Config, logger *slog.Logger) (content.Repository, error) {
	if cfg.Content.Backend == "memory" {
		logger.Warn("using in-memory content repository; changes are discarded on exit")
		return content.NewMemory(nil), nil
	}
	gh, err := content.NewGitHub(httpkit.NewClient(httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		cfg.Content.Token, cfg.Content.BaseURL, cfg.Content.Repo, cfg.Content.Branch, logger)
	if err != nil {
		return nil, fmt.Errorf("content repository: %w", err)
	}
	return gh, nil
}

func newVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.Verifier, error) {
	if cfg.Supabase.Verifier == "jwks" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.Supabase.JWKSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("jwks verifier: %w", err)
		}
		return v, nil
	}
	return auth.NewRemoteVerifier(cfg.Supabase.URL, cfg.Supabase.AnonKey, logger), nil
}
