package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLExecutor runs privileged SQL on behalf of the agent. The
// credential is fixed when the executor is built; callers only supply
// the statement.
type SQLExecutor interface {
	Exec(ctx context.Context, sql string) error
}

// PgxExecutor runs SQL over a direct Postgres connection pool.
type PgxExecutor struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// poolConfig parses databaseURL and adjusts it for the Supabase
// transaction pooler, which cannot hold prepared statements.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 4
	if cfg.ConnConfig.Port == 6543 && cfg.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
	}
	return cfg, nil
}

// NewPgxExecutor connects to databaseURL and pings it.
func NewPgxExecutor(ctx context.Context, databaseURL string, logger *slog.Logger) (*PgxExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database pool ready",
		"host", cfg.ConnConfig.Host,
		"port", cfg.ConnConfig.Port,
		"exec_mode", cfg.ConnConfig.DefaultQueryExecMode.String(),
	)
	return &PgxExecutor{pool: pool, logger: logger}, nil
}

// Exec implements SQLExecutor. The simple protocol is used so a
// migration may contain several statements.
func (e *PgxExecutor) Exec(ctx context.Context, sql string) error {
	tag, err := e.pool.Exec(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return fmt.Errorf("run sql: %w", err)
	}
	e.logger.Info("sql executed", "command", tag.String())
	return nil
}

// Close releases the pool.
func (e *PgxExecutor) Close() {
	e.pool.Close()
}

// RPCExecutor runs SQL through the run_sql_admin database function,
// which only the service role may call.
type RPCExecutor struct {
	client *Client
}

// NewRPCExecutor wraps a service-key client.
func NewRPCExecutor(client *Client) *RPCExecutor {
	return &RPCExecutor{client: client}
}

// Exec implements SQLExecutor.
func (e *RPCExecutor) Exec(ctx context.Context, sql string) error {
	data, err := e.client.RPC(ctx, "run_sql_admin", map[string]string{"sql": sql})
	if err != nil {
		return fmt.Errorf("run sql: %w", err)
	}
	var result struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &result) == nil && result.Error != "" {
		return fmt.Errorf("run sql: %s", result.Error)
	}
	return nil
}
