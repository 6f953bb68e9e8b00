package provider

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

const providerOpenAI = "openai"

type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(apiKey, baseURL string, httpClient *http.Client) *openAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

// Complete sends a non-streaming chat completion request.
func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, toOpenAIParams(req), paramOptions(req.Params)...)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, backendError(providerOpenAI, 0, "response has no choices", nil)
	}

	choice := resp.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &Response{
		Model:        resp.Model,
		Content:      choice.Message.Content,
		ToolCalls:    calls,
		FinishReason: normalizeOpenAIFinish(choice.FinishReason),
		Usage: TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Stream opens a streaming chat completion request. Usage is requested
// in the final chunk.
func (p *openAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params := toOpenAIParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, paramOptions(req.Params)...)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, openAIError(err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current Chunk
	closed  bool
}

func (s *openAIStream) Next() bool {
	if s.closed {
		return false
	}
	for s.stream.Next() {
		raw := s.stream.Current()
		chunk := Chunk{}
		if raw.Usage.TotalTokens > 0 {
			chunk.Usage = &TokenUsage{
				InputTokens:  int(raw.Usage.PromptTokens),
				OutputTokens: int(raw.Usage.CompletionTokens),
				TotalTokens:  int(raw.Usage.TotalTokens),
			}
		}
		if len(raw.Choices) > 0 {
			choice := raw.Choices[0]
			chunk.TextDelta = choice.Delta.Content
			chunk.FinishReason = normalizeOpenAIFinish(choice.FinishReason)
			for _, tc := range choice.Delta.ToolCalls {
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCallFragment{
					Index:          int(tc.Index),
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				})
			}
		}
		if chunk.TextDelta == "" && len(chunk.ToolCalls) == 0 && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		s.current = chunk
		return true
	}
	return false
}

func (s *openAIStream) Current() Chunk {
	return s.current
}

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return openAIError(err)
	}
	return nil
}

func (s *openAIStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}

func toOpenAIParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
	}
	return params
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls)),
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// paramOptions sends every extra param as a top-level body field.
func paramOptions(params map[string]any) []option.RequestOption {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]option.RequestOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, option.WithJSONSet(k, params[k]))
	}
	return opts
}

func normalizeOpenAIFinish(reason string) FinishReason {
	switch reason {
	case "":
		return ""
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishReason(reason)
	}
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return backendError(providerOpenAI, apiErr.StatusCode, msg, err)
	}
	return backendError(providerOpenAI, 0, "", err)
}
