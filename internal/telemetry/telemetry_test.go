package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/meitheal/steward/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "dev", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_Enabled(t *testing.T) {
	cfg := config.TelemetryConfig{OTLPEndpoint: "http://127.0.0.1:4318", Insecure: true}
	shutdown, err := Setup(context.Background(), cfg, "dev", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	// Nothing was recorded, so shutdown has nothing to export.
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
