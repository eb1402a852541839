// Package datastore talks to the community's Postgres database, either
// through the PostgREST API that Supabase exposes or, for privileged
// SQL, through a direct connection pool.
package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/meitheal/steward/internal/httpkit"
)

const maxErrorBody = 2048

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Error is a non-2xx response from PostgREST.
type Error struct {
	Method     string
	Table      string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("datastore: %s %s: HTTP %d: %s", e.Method, e.Table, e.StatusCode, e.Body)
}

// Query narrows a select. Filter is a PostgREST filter expression in
// query-string form, e.g. "status=eq.new&author_id=eq.7".
type Query struct {
	Select string
	Filter string
	Order  string
	Limit  int
}

func (q Query) values() (url.Values, error) {
	v := url.Values{}
	if q.Filter != "" {
		parsed, err := url.ParseQuery(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("datastore: filter %q: %w", q.Filter, err)
		}
		for key, vals := range parsed {
			switch key {
			case "select", "order", "limit", "offset":
				return nil, fmt.Errorf("datastore: filter may not set %q", key)
			}
			for _, val := range vals {
				v.Add(key, val)
			}
		}
	}
	sel := q.Select
	if sel == "" {
		sel = "*"
	}
	v.Set("select", sel)
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v, nil
}

// Eq builds a single equality filter.
func Eq(column, value string) string {
	return url.QueryEscape(column) + "=eq." + url.QueryEscape(value)
}

// Client is a PostgREST client authenticated with the service key.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the Supabase project at projectURL.
// Extra httpkit options are applied after the key headers.
func NewClient(projectURL, serviceKey string, logger *slog.Logger, opts ...httpkit.Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := []httpkit.Option{
		httpkit.WithHeader("apikey", serviceKey),
		httpkit.WithHeader("Authorization", "Bearer "+serviceKey),
		httpkit.WithLogger(logger),
	}
	return &Client{
		baseURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		http:    httpkit.NewClient(append(base, opts...)...),
		logger:  logger,
	}
}

// ValidIdent reports whether name is safe to use as a table or
// function name in a request path.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

func (c *Client) do(ctx context.Context, method, table, path string, query url.Values, body any, prefer string) ([]byte, error) {
	if !ValidIdent(table) {
		return nil, fmt.Errorf("datastore: invalid table name %q", table)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("datastore: marshal %s body: %w", table, err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("datastore: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("datastore: %s %s: %w", method, table, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Method:     method,
			Table:      table,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, maxErrorBody),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("datastore: read %s response: %w", table, err)
	}
	c.logger.Debug("postgrest request", "method", method, "table", table, "status", resp.StatusCode, "bytes", len(data))
	return data, nil
}

// Select returns the rows of table matching q as a JSON array.
func (c *Client) Select(ctx context.Context, table string, q Query) (json.RawMessage, error) {
	v, err := q.values()
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, table, table, v, nil, "")
}

// SelectInto decodes the rows of table matching q into dst.
func (c *Client) SelectInto(ctx context.Context, table string, q Query, dst any) error {
	data, err := c.Select(ctx, table, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("datastore: decode %s rows: %w", table, err)
	}
	return nil
}

// Insert adds row to table. When dst is non-nil the inserted
// representation (an array) is decoded into it.
func (c *Client) Insert(ctx context.Context, table string, row, dst any) error {
	data, err := c.do(ctx, http.MethodPost, table, table, nil, row, "return=representation")
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("datastore: decode %s insert: %w", table, err)
	}
	return nil
}

// Patch applies body to the rows matching filter. It returns the number
// of rows updated.
func (c *Client) Patch(ctx context.Context, table, filter string, body any) (int, error) {
	v, err := url.ParseQuery(filter)
	if err != nil {
		return 0, fmt.Errorf("datastore: filter %q: %w", filter, err)
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("datastore: refusing unfiltered patch of %s", table)
	}
	data, err := c.do(ctx, http.MethodPatch, table, table, v, body, "return=representation")
	if err != nil {
		return 0, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, nil
	}
	return len(rows), nil
}

// RPC calls a Postgres function exposed by PostgREST.
func (c *Client) RPC(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.do(ctx, http.MethodPost, fn, "rpc/"+fn, nil, args, "")
}
