package provider

import "context"

// Turn is one entry of the chat history sent to the model provider. Exactly
// one of Text, Call, or Result is meaningful: a plain text turn, a function
// call issued by the model, or the synthetic turn carrying a tool's result.
type Turn struct {
	Role   string // "user" or "model"
	Text   string
	Call   *ToolCall
	Result *ToolResult
}

// ToolCall is a structured request from the model to invoke a named function.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult carries a tool's output back into the conversation.
type ToolResult struct {
	Name     string
	Response map[string]any
}

// ToolSpec declares one callable function to the model.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ParamSpec
}

// ParamSpec declares one parameter of a ToolSpec.
type ParamSpec struct {
	Name        string
	Type        string // "string", "integer", or "array"
	Description string
	Enum        []string
	Items       string // element type when Type is "array"
	Required    bool
}

// Chunk is one streamed fragment of a model response: a text delta or a
// function call.
type Chunk struct {
	Text string
	Call *ToolCall
}

// ChatStream yields response chunks as the provider produces them.
// Next returns io.EOF when the response is complete.
type ChatStream interface {
	Next() (Chunk, error)
}

// ChatProvider is the conversation engine's view of the external model.
type ChatProvider interface {
	StreamChat(ctx context.Context, system string, history []Turn, tools []ToolSpec) (ChatStream, error)
	Complete(ctx context.Context, prompt string) (string, error)
}
