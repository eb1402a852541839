package usage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meitheal/steward/internal/datastore"
)

func TestRESTRecorder(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/v1/ai_usage", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[]`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRESTRecorder(datastore.NewClient(ts.URL, "service", logger))
	err := r.Record(context.Background(), Record{
		Provider:     "gemini",
		Model:        "gemini-2.5-flash",
		InputTokens:  1200,
		OutputTokens: 300,
		CostUSD:      0.00111,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got["triggered_by"] != TriggerAgentBuild {
		t.Errorf("triggered_by = %v", got["triggered_by"])
	}
	if got["prompt_tokens"] != float64(1200) || got["completion_tokens"] != float64(300) {
		t.Errorf("tokens = %v/%v", got["prompt_tokens"], got["completion_tokens"])
	}
	if v, ok := got["conversation_id"]; !ok || v != nil {
		t.Errorf("conversation_id = %v, want null", v)
	}
}
