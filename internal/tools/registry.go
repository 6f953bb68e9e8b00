package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/telemetry"
)

const errorPrefix = "tool execution error: "

// Registry stores tools by unique name. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return errors.New("tool name cannot be empty")
	}

	r.mu.Lock()
	_, replaced := r.byName[name]
	r.byName[name] = tool
	r.mu.Unlock()

	if replaced {
		logging.Logger().Debug("tool replaced", "tool", name)
	}
	return nil
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	return tool, ok
}

// Tools returns all registered tools in stable name order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byName))
	for name := range r.byName {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	out := make([]Tool, 0, len(keys))
	for _, name := range keys {
		out = append(out, r.byName[name])
	}
	return out
}

// Definitions converts registered tools into request tool definitions.
func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.Tools()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Call runs one tool call and returns the formatted result content.
func (r *Registry) Call(ctx context.Context, call provider.ToolCall, env Env) (string, error) {
	tool, ok := r.Lookup(call.Name)
	if !ok {
		return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownTool, call.Name, strings.Join(r.names(), ", "))
	}
	result, err := tool.Call(ctx, env, call.Arguments)
	if err != nil {
		return "", err
	}
	return formatResult(result)
}

// Dispatch runs one tool call and always returns a tool message linked to
// the call. Failures become the message content so the model can react.
func (r *Registry) Dispatch(ctx context.Context, call provider.ToolCall, env Env) provider.ChatMessage {
	ctx, span := telemetry.StartSpan(ctx, "tools.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	content, err := r.Call(ctx, call, env)
	label, status := call.Name, "ok"
	if errors.Is(err, ErrUnknownTool) {
		label = "unknown"
	}
	if err != nil {
		status = "error"
		telemetry.AddErrorAttribute(span, err)
		logging.Logger().Warn("tool call failed", "tool", call.Name, "tool_call_id", call.ID, "err", err)
		content = errorPrefix + err.Error()
	} else {
		logging.Logger().Debug("tool call completed", "tool", call.Name, "tool_call_id", call.ID)
	}
	metrics.ToolCallsTotal.WithLabelValues(label, status).Inc()

	return provider.ChatMessage{
		Role:       provider.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
}

func (r *Registry) names() []string {
	tools := r.Tools()
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name())
	}
	return out
}

func formatResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode tool result: %w", err)
		}
		return string(encoded), nil
	}
}
