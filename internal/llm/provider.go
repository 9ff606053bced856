// Package llm abstracts the chat-completion providers that back the
// agent-execution collaborator.
package llm

import "context"

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Describable providers report a model descriptor for audit columns.
type Describable interface {
	Describe() ModelDescriptor
}

// ModelDescriptor identifies the model behind a provider, recorded with
// metrics for audit only.
type ModelDescriptor struct {
	Name     string
	Provider string
	Endpoint string
}

type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	System      string
	MaxTokens   int
	Temperature float64
}

type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Text       string
	ToolCalls  []ToolUse
	Usage      Usage
	StopReason string
}
