// Package provider adapts chat completion backends to one request,
// response and streaming contract.
package provider

import (
	"context"
	"fmt"
)

// Provider sends chat requests to one LLM backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream is a single-pass chunk iterator. Close releases the underlying
// transport; it may be called more than once and before exhaustion.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// Role is the author role for a chat message.
type Role string

const (
	// RoleSystem carries instructions for the model.
	RoleSystem Role = "system"
	// RoleUser is a user-authored message.
	RoleUser Role = "user"
	// RoleAssistant is an assistant-authored message.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool-result message addressed to the model.
	RoleTool Role = "tool"
)

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// ChatMessage is a single message in model conversation history.
type ChatMessage struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model request to execute a tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallFragment is one streamed piece of a tool call. Fragments with
// the same Index belong to the same call.
type ToolCallFragment struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// TokenUsage reports provider token accounting for one response.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request is the provider-agnostic request payload. Params holds extra
// request body fields such as temperature or max_tokens.
type Request struct {
	Model    string
	Messages []ChatMessage
	Tools    []ToolDefinition
	Params   map[string]any
}

// Response is the provider-agnostic response payload.
type Response struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	Usage        TokenUsage
	FinishReason FinishReason
}

// Chunk is one increment of a streamed response.
type Chunk struct {
	TextDelta    string
	ToolCalls    []ToolCallFragment
	Usage        *TokenUsage
	FinishReason FinishReason
}

// BackendError is a failure reported by, or while reaching, a backend.
// Status is the HTTP status, or 0 for transport failures.
type BackendError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s backend returned %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s backend request failed: %s", e.Provider, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure was transient on the backend side.
func (e *BackendError) IsRetryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

func backendError(provider string, status int, message string, err error) error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &BackendError{Provider: provider, Status: status, Message: message, Err: err}
}
