package tools

import "context"

// ToolResult separates what the LLM sees from what the user sees. ForUser is
// optional progress text surfaced directly on the chat channel; Silent means
// nothing is shown to the user for this call.
type ToolResult struct {
	ForLLM  string // result content fed back to the model
	ForUser string // optional user-visible progress message
	Silent  bool   // suppress user-visible output
	IsError bool
	Err     error
}

// LLMContent returns the text fed back to the model for this result.
func (r *ToolResult) LLMContent() string {
	if r == nil {
		return ""
	}
	return r.ForLLM
}

func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

func SilentResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, Silent: true}
}

// Tool is one callable capability advertised to the model. Parameters returns
// a JSON Schema object; Execute receives arguments already validated against
// that schema.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}
