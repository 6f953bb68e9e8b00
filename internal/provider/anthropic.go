package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	providerAnthropic = "anthropic"

	defaultAnthropicMaxTokens = 8192
)

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(apiKey, baseURL string, httpClient *http.Client) *anthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

// Complete sends a Messages request and normalizes the response.
func (p *anthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, opts, err := toAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, body, opts...)
	if err != nil {
		return nil, anthropicError(err)
	}

	var contentParts []string
	var calls []ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				contentParts = append(contentParts, v.Text)
			}
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		}
	}

	usage := TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &Response{
		Model:        string(msg.Model),
		Content:      strings.Join(contentParts, "\n"),
		ToolCalls:    calls,
		Usage:        usage,
		FinishReason: normalizeAnthropicStop(string(msg.StopReason)),
	}, nil
}

// Stream opens a streaming Messages request. Input tokens arrive with
// message_start and output tokens with message_delta; usage is emitted
// once, on the message_delta chunk.
func (p *anthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	body, opts, err := toAnthropicParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, body, opts...)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, anthropicError(err)
	}
	return &anthropicStream{stream: stream}, nil
}

type anthropicStream struct {
	stream      *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current     Chunk
	inputTokens int
	closed      bool
}

func (s *anthropicStream) Next() bool {
	if s.closed {
		return false
	}
	for s.stream.Next() {
		event := s.stream.Current()
		var chunk Chunk
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.inputTokens = int(ev.Message.Usage.InputTokens)
			continue
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type != "tool_use" {
				continue
			}
			chunk.ToolCalls = []ToolCallFragment{{
				Index: int(ev.Index),
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				chunk.TextDelta = delta.Text
			case anthropic.InputJSONDelta:
				chunk.ToolCalls = []ToolCallFragment{{
					Index:          int(ev.Index),
					ArgumentsDelta: delta.PartialJSON,
				}}
			default:
				continue
			}
		case anthropic.MessageDeltaEvent:
			out := int(ev.Usage.OutputTokens)
			chunk.Usage = &TokenUsage{
				InputTokens:  s.inputTokens,
				OutputTokens: out,
				TotalTokens:  s.inputTokens + out,
			}
			chunk.FinishReason = normalizeAnthropicStop(string(ev.Delta.StopReason))
		default:
			continue
		}
		if chunk.TextDelta == "" && len(chunk.ToolCalls) == 0 && chunk.Usage == nil {
			continue
		}
		s.current = chunk
		return true
	}
	return false
}

func (s *anthropicStream) Current() Chunk {
	return s.current
}

func (s *anthropicStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return anthropicError(err)
	}
	return nil
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}

// toAnthropicParams builds the request body. max_tokens is required by the
// API, so it is taken from params or defaulted; every other param is sent
// as a raw body field.
func toAnthropicParams(req Request) (anthropic.MessageNewParams, []option.RequestOption, error) {
	system, msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, nil, err
	}

	maxTokens, ok := intParam(req.Params, "max_tokens")
	if !ok || maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	body := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		body.System = []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	if len(req.Tools) > 0 {
		body.Tools = toAnthropicTools(req.Tools)
	}

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		if k == "max_tokens" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]option.RequestOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, option.WithJSONSet(k, req.Params[k]))
	}
	return body, opts, nil
}

// toAnthropicMessages lifts system messages into the separate system
// prompt and folds consecutive tool results into one user turn.
func toAnthropicMessages(messages []ChatMessage) (string, []anthropic.MessageParam, error) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i := 0; i < len(messages); {
		msg := messages[i]
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			i++
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			i++
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolUseInput(tc), tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			i++
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == RoleTool {
				if messages[i].ToolCallID == "" {
					return "", nil, errors.New("tool message requires tool_call_id")
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
				i++
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			return "", nil, fmt.Errorf("unsupported message role %s", msg.Role)
		}
	}
	applyHistoryCacheBreakpoint(out)
	return strings.Join(system, "\n\n"), out, nil
}

// toolUseInput decodes stored call arguments. Arguments the model got wrong
// are replayed under raw_arguments so the conversation can continue to the
// tool error result.
func toolUseInput(tc ToolCall) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(tc.Arguments) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
		return map[string]any{"raw_arguments": tc.Arguments}
	}
	return input
}

// applyHistoryCacheBreakpoint marks the second-to-last message as a cache
// breakpoint so the prior prefix can be reused across tool rounds.
func applyHistoryCacheBreakpoint(messages []anthropic.MessageParam) {
	if len(messages) < 2 {
		return
	}
	last := &messages[len(messages)-2]
	if len(last.Content) == 0 {
		return
	}
	block := &last.Content[len(last.Content)-1]
	cacheControl := anthropic.NewCacheControlEphemeralParam()
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cacheControl
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cacheControl
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cacheControl
	}
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: toAnthropicInputSchema(tool.Parameters),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func toAnthropicInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	if len(schema) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}

	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{Required: required}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}
	return inputSchema
}

func normalizeAnthropicStop(reason string) FinishReason {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishReason(reason)
	}
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return backendError(providerAnthropic, apiErr.StatusCode, apiErr.Error(), err)
	}
	return backendError(providerAnthropic, 0, "", err)
}
