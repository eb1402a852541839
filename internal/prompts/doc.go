// Package prompts contains the prompt text Steward sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf and covered by tests.
// Each prompt gets its own file with an exported function that accepts the
// dynamic parts and returns the finished string.
package prompts
