package prompts

import (
	"encoding/json"
	"fmt"
)

// BuildBrief is the structured summary of an approved proposal handed
// to the builder.
type BuildBrief struct {
	ProposalID   string  `json:"proposal_id"`
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	OriginalIdea *string `json:"original_idea"`
	SuggestedBy  string  `json:"suggested_by"`
	PromotedBy   string  `json:"promoted_by"`
	ApprovedAt   string  `json:"approved_at"`
}

const proposalBuildTemplate = `You have been given an approved proposal to build.

Proposal brief:
%s

Build this feature now. Be efficient: read only what you need (home.html for the nav structure, supabase.js for data helpers). Do not read theme.css; trust the conventions already in AGENT.md. Do not narrate or plan, just build. When the files are written and wired in, report what was built.`

// ProposalBuildPrompt returns the user message that starts a proposal
// build.
func ProposalBuildPrompt(b BuildBrief) string {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		// BuildBrief has only string fields.
		panic(err)
	}
	return fmt.Sprintf(proposalBuildTemplate, data)
}
