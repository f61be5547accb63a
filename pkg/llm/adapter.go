package llm

import "context"

// Tool describes one capability offered to the reasoning model. Schema is the
// JSON-schema-shaped parameter declaration handed to the provider verbatim;
// it must stay stable for the lifetime of a session.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Context is the full input of one reasoning pass.
type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is either assistant text, one or more tool calls, or both.
type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

// Adapter converts conversation history plus tool declarations into the next
// assistant message or tool invocation request.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
}
