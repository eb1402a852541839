package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/meitheal/steward/internal/datastore"
	"github.com/meitheal/steward/internal/ledger"
)

const (
	maxQueryRows     = 200
	redactedSetting  = "[redacted]"
	secretSettingKey = "ai_api_key"
)

func (e *Executor) runSQL(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
	if e.deps.SQL == nil {
		return nil, ErrNotConfigured
	}
	stmt := strings.TrimSpace(stringArg(args, "sql"))
	if stmt == "" {
		return nil, errors.New("sql is required")
	}
	if err := e.deps.SQL.Exec(ctx, stmt); err != nil {
		return nil, err
	}
	inv.sql = append(inv.sql, stmt)
	return map[string]any{"ok": true}, nil
}

func (e *Executor) queryData(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	if e.deps.Data == nil {
		return nil, ErrNotConfigured
	}
	limit := intArg(args, "limit")
	if limit <= 0 || limit > maxQueryRows {
		limit = maxQueryRows
	}
	rows, err := e.deps.Data.Select(ctx, stringArg(args, "table"), datastore.Query{
		Select: stringArg(args, "select"),
		Filter: stringArg(args, "filter"),
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *Executor) getFeedback(ctx context.Context, _ *Invocation, _ map[string]any) (any, error) {
	if e.deps.Data == nil {
		return nil, ErrNotConfigured
	}
	return e.deps.Data.Select(ctx, "feedback", datastore.Query{
		Select: "*,author:members(display_name,email)",
		Filter: datastore.Eq("status", "new"),
		Order:  "created_at.asc",
	})
}

func (e *Executor) updateFeedback(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	if e.deps.Data == nil {
		return nil, ErrNotConfigured
	}
	id := idArg(args, "id")
	if id == "" {
		return nil, errors.New("id is required")
	}
	status := stringArg(args, "status")
	patch := map[string]any{"status": status}
	if note := stringArg(args, "note"); note != "" {
		patch["admin_note"] = note
	}
	n, err := e.deps.Data.Patch(ctx, "feedback", datastore.Eq("id", id), patch)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("feedback %s not found", id)
	}
	return map[string]any{"updated": id, "status": status}, nil
}

func (e *Executor) getSettings(ctx context.Context, _ *Invocation, _ map[string]any) (any, error) {
	if e.deps.Settings == nil {
		return nil, ErrNotConfigured
	}
	settings, err := e.deps.Settings.Settings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if k == secretSettingKey && v != "" {
			v = redactedSetting
		}
		out[k] = v
	}
	return out, nil
}

func (e *Executor) updateSetting(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	if e.deps.Settings == nil {
		return nil, ErrNotConfigured
	}
	key := strings.TrimSpace(stringArg(args, "key"))
	value := stringArg(args, "value")
	if key == "" {
		return nil, errors.New("key is required")
	}
	if err := e.deps.Settings.UpdateSetting(ctx, key, value); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("unknown setting %q", key)
		}
		return nil, err
	}
	return map[string]any{"updated": key, "value": value}, nil
}

func (e *Executor) updateMemory(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	if e.deps.Memory == nil {
		return nil, ErrNotConfigured
	}
	if err := e.deps.Memory.Save(ctx, stringArg(args, "content"), "Update agent memory"); err != nil {
		return nil, err
	}
	return map[string]any{"updated": e.deps.Memory.Path()}, nil
}

// idArg accepts an id the model sent as either a string or a number.
func idArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}
