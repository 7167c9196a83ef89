// Package agent bridges the tools of every connected MCP server to a chat
// model. A ToolIndex gives each tool a model-safe name, Agent runs the
// tool-calling loop, and SamplingBridge answers sampling/createMessage
// requests from servers with the same model.
//
// Vendor adapters live outside this package; they implement ChatModel.
package agent

import (
	"context"
	"encoding/json"
)

// Role is the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID and Name are set on tool messages carrying a result.
	ToolCallID string `json:"toolCallId,omitempty"`
	Name       string `json:"name,omitempty"`
	// IsError marks a tool message whose call failed.
	IsError bool `json:"isError,omitempty"`
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Model         string     `json:"model,omitempty"`
	SystemPrompt  string     `json:"systemPrompt,omitempty"`
	Messages      []Message  `json:"messages"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	MaxTokens     int        `json:"maxTokens,omitempty"`
	Temperature   *float64   `json:"temperature,omitempty"`
	StopSequences []string   `json:"stopSequences,omitempty"`
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Message    Message `json:"message"`
	Model      string  `json:"model,omitempty"`
	StopReason string  `json:"stopReason,omitempty"`
}

// ChatModel is implemented by LLM backends.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatModelFunc adapts a function to ChatModel.
type ChatModelFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

func (f ChatModelFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}
