package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/ledger"
	"github.com/meitheal/steward/internal/llm"
)

func (e *Executor) registerBuiltins() error {
	builtins := []*Tool{
		{
			Name:        "read_file",
			Description: "Read a file from the site repository.",
			Parameters: object(map[string]any{
				"path": str("Path relative to the repository root, e.g. index.html"),
			}, "path"),
			Handler: e.readFile,
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the site repository. Each write is a commit and deploys automatically.",
			Parameters: object(map[string]any{
				"path":           str("Path relative to the repository root"),
				"content":        str("Complete new file content"),
				"commit_message": str("Short description of the change"),
			}, "path", "content", "commit_message"),
			Handler: e.writeFile,
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the site repository.",
			Parameters: object(map[string]any{
				"path":           str("Path relative to the repository root"),
				"commit_message": str("Short description of the change"),
			}, "path", "commit_message"),
			Handler: e.deleteFile,
		},
		{
			Name:        "list_files",
			Description: "List files in the site repository, optionally under a directory.",
			Parameters: object(map[string]any{
				"path": str("Directory prefix; empty lists everything"),
			}),
			Handler: e.listFiles,
		},
		{
			Name:        "inspect_page",
			Description: "Summarize the structure of an HTML page in the repository: title, navigation links, headings and scripts.",
			Parameters: object(map[string]any{
				"path": str("Path of the HTML file"),
			}, "path"),
			Handler: e.inspectPage,
		},
		{
			Name:        "run_sql",
			Description: "Run a SQL statement against the community database. Use for schema changes such as creating tables or policies.",
			Parameters: object(map[string]any{
				"sql": str("The SQL to execute"),
			}, "sql"),
			Handler: e.runSQL,
		},
		{
			Name:        "query_data",
			Description: "Read rows from a database table.",
			Parameters: object(map[string]any{
				"table":  str("Table name"),
				"select": str("Columns to return, PostgREST syntax (default *)"),
				"filter": str("PostgREST filter, e.g. status=eq.new"),
				"limit":  map[string]any{"type": "number", "description": "Maximum rows to return"},
			}, "table"),
			Handler: e.queryData,
		},
		{
			Name:        "get_feedback",
			Description: "List new member feedback, oldest first.",
			Parameters:  object(map[string]any{}),
			Handler:     e.getFeedback,
		},
		{
			Name:        "update_feedback",
			Description: "Mark a feedback item as actioned or declined.",
			Parameters: object(map[string]any{
				"id":     map[string]any{"type": []string{"string", "number"}, "description": "Feedback id"},
				"status": map[string]any{"type": "string", "enum": []string{"actioned", "declined"}},
				"note":   str("Optional note for the admin"),
			}, "id", "status"),
			Handler: e.updateFeedback,
		},
		{
			Name:        "get_settings",
			Description: "Read the community settings.",
			Parameters:  object(map[string]any{}),
			Handler:     e.getSettings,
		},
		{
			Name:        "update_setting",
			Description: "Change one community setting.",
			Parameters: object(map[string]any{
				"key":   str("Setting key"),
				"value": str("New value"),
			}, "key", "value"),
			Handler: e.updateSetting,
		},
		{
			Name:        "update_memory",
			Description: "Replace your memory document. Keep it concise: decisions, conventions and open threads worth remembering.",
			Parameters: object(map[string]any{
				"content": str("The complete new memory document in Markdown"),
			}, "content"),
			Handler: e.updateMemory,
		},
	}
	for _, t := range builtins {
		if err := e.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) readFile(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	f, err := e.deps.Repo.Get(ctx, p)
	if errors.Is(err, content.ErrNotFound) {
		return nil, fmt.Errorf("file not found: %s", p)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": f.Path, "content": f.Content}, nil
}

func (e *Executor) writeFile(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	if err := e.checkProtected(p); err != nil {
		return nil, err
	}
	message := strings.TrimSpace(stringArg(args, "commit_message"))
	body, repaired := llm.RepairEscapes(stringArg(args, "content"))
	if repaired {
		e.logger.Debug("repaired escaped newlines in file content", "path", p)
	}

	prior, err := content.CurrentSHA(ctx, e.deps.Repo, p)
	if err != nil {
		return nil, fmt.Errorf("read current revision: %w", err)
	}
	if _, err := e.deps.Repo.Put(ctx, p, body, message, prior); err != nil {
		return nil, err
	}
	inv.recordWrite("write", p, ledger.Snapshot{Path: p, PriorSHA: prior, Existed: prior != ""})
	return map[string]any{"written": p, "message": message}, nil
}

func (e *Executor) deleteFile(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	if err := e.checkProtected(p); err != nil {
		return nil, err
	}
	message := strings.TrimSpace(stringArg(args, "commit_message"))

	f, err := e.deps.Repo.Get(ctx, p)
	if errors.Is(err, content.ErrNotFound) {
		return nil, fmt.Errorf("file not found: %s", p)
	}
	if err != nil {
		return nil, err
	}
	if err := e.deps.Repo.Delete(ctx, p, f.SHA, message); err != nil {
		return nil, err
	}
	inv.recordWrite("delete", p, ledger.Snapshot{Path: p, PriorSHA: f.SHA, Existed: true})
	return map[string]any{"deleted": p}, nil
}

func (e *Executor) listFiles(ctx context.Context, _ *Invocation, args map[string]any) (any, error) {
	prefix := strings.TrimPrefix(strings.TrimSpace(stringArg(args, "path")), "/")
	if escapesRoot(prefix) {
		return nil, fmt.Errorf("invalid path %q", prefix)
	}
	files, err := e.deps.Repo.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return map[string]any{"files": files}, nil
}
