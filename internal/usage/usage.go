// Package usage tracks token usage and cost of agent invocations. The
// turn loop accumulates totals in memory and flushes them as a single
// record once the invocation ends.
package usage

import (
	"context"
	"time"

	"github.com/meitheal/steward/internal/config"
)

// TriggerAgentBuild marks usage caused by an operator invoking the agent.
const TriggerAgentBuild = "agent_build"

// Record is the token usage and cost of one agent invocation.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Model          string
	Provider       string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	TriggeredBy    string
}

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Accumulator sums token counts across the turns of one invocation. It
// is owned by a single invocation and is not safe for concurrent use.
type Accumulator struct {
	InputTokens  int
	OutputTokens int
	Turns        int
}

// Add folds one completion's counts into the totals.
func (a *Accumulator) Add(input, output int) {
	a.InputTokens += input
	a.OutputTokens += output
	a.Turns++
}

// Record builds the usage record for the accumulated totals.
func (a *Accumulator) Record(provider, model, conversationID string, pricing map[string]config.PricingEntry) Record {
	return Record{
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Model:          model,
		Provider:       provider,
		InputTokens:    a.InputTokens,
		OutputTokens:   a.OutputTokens,
		CostUSD:        ComputeCost(model, a.InputTokens, a.OutputTokens, pricing),
		TriggeredBy:    TriggerAgentBuild,
	}
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
