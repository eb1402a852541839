package tools

import (
	"context"
	"strings"
	"testing"
)

func noop(context.Context, *Invocation, map[string]any) (any, error) { return nil, nil }

func TestRegistry_OrderAndReplace(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		if err := r.Register(&Tool{Name: name, Handler: noop}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := r.Register(&Tool{Name: "a", Description: "second", Handler: noop}); err != nil {
		t.Fatalf("Register(a again): %v", err)
	}

	if got := strings.Join(r.Names(), ","); got != "b,a,c" {
		t.Errorf("Names() = %s, want b,a,c", got)
	}
	if r.Get("a").Description != "second" {
		t.Error("re-registering should replace the tool")
	}
	if r.Get("missing") != nil {
		t.Error("Get of unknown tool should be nil")
	}

	defs := r.Definitions()
	if len(defs) != 3 || defs[1].Name != "a" {
		t.Fatalf("Definitions() = %+v", defs)
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("default parameters = %v, want an object schema", defs[0].Parameters)
	}
}

func TestRegistry_BadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{Name: "broken", Parameters: map[string]any{"type": 42}, Handler: noop})
	if err == nil {
		t.Fatal("Register should reject an invalid schema")
	}
}

func TestTool_Validate(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "write",
		Parameters: object(map[string]any{
			"path":  str("file path"),
			"count": map[string]any{"type": "number"},
		}, "path"),
		Handler: noop,
	})
	tool := r.Get("write")

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{name: "valid", args: map[string]any{"path": "a.html", "count": float64(2)}},
		{name: "nil args", args: nil, wantErr: "path"},
		{name: "wrong type", args: map[string]any{"path": 7}, wantErr: "invalid arguments"},
		{name: "missing required", args: map[string]any{"count": float64(1)}, wantErr: "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.validate(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"f": float64(12), "i": 7, "s": "9"}
	if intArg(args, "f") != 12 || intArg(args, "i") != 7 {
		t.Errorf("numeric args not converted")
	}
	if intArg(args, "s") != 0 || intArg(args, "missing") != 0 {
		t.Errorf("non-numeric args should be 0")
	}
}
