package llm

import "fmt"

// ProviderError is a non-success HTTP response from a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ToolArgumentError reports tool-call arguments that could not be
// parsed. Length is the size of the raw argument string, which usually
// shows where the provider truncated it.
type ToolArgumentError struct {
	Provider string
	Tool     string
	Length   int
	Err      error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("%s: tool call %q returned unparseable arguments (likely truncated at %d chars): %v",
		e.Provider, e.Tool, e.Length, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// OutputLimitError reports a completion that stopped because it reached
// the output token limit. Any tool arguments in it are incomplete.
type OutputLimitError struct {
	Provider   string
	Model      string
	StopReason string
	MaxTokens  int
}

func (e *OutputLimitError) Error() string {
	return fmt.Sprintf("%s: model %s hit its output token limit (%d) mid-response; "+
		"the change may be too large for one pass, try a smaller request", e.Provider, e.Model, e.MaxTokens)
}
