package usage

import (
	"context"
	"fmt"

	"github.com/meitheal/steward/internal/datastore"
)

// RESTRecorder writes usage rows to the community's ai_usage table.
type RESTRecorder struct {
	db *datastore.Client
}

// NewRESTRecorder creates a recorder over a service-key client.
func NewRESTRecorder(db *datastore.Client) *RESTRecorder {
	return &RESTRecorder{db: db}
}

// Record implements Recorder.
func (r *RESTRecorder) Record(ctx context.Context, rec Record) error {
	triggered := rec.TriggeredBy
	if triggered == "" {
		triggered = TriggerAgentBuild
	}
	row := map[string]any{
		"provider":          rec.Provider,
		"model":             rec.Model,
		"prompt_tokens":     rec.InputTokens,
		"completion_tokens": rec.OutputTokens,
		"cost_usd":          rec.CostUSD,
		"triggered_by":      triggered,
		"conversation_id":   nil,
	}
	if rec.ConversationID != "" {
		row["conversation_id"] = rec.ConversationID
	}
	if err := r.db.Insert(ctx, "ai_usage", row, nil); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
