package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/llm"
	"github.com/neoclaw-ai/llmbot/internal/models"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/tools"
)

func TestChat_DispatchesToolAndReturnsFinalAnswer(t *testing.T) {
	registry := tools.NewRegistry()
	var gotCity string
	_ = registry.Register(tools.Func("get_weather", "weather", []tools.Param{tools.String("city", "city")},
		func(_ context.Context, _ tools.Env, p struct {
			City string `json:"city"`
		}) (any, error) {
			gotCity = p.City
			return "sunny", nil
		}))

	completer := &scriptCompleter{responses: []*provider.Response{
		{
			ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			Usage:     provider.TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
		},
		{
			Content: "It is sunny in Paris.",
			Usage:   provider.TokenUsage{InputTokens: 20, OutputTokens: 5, TotalTokens: 25},
		},
	}}

	res, err := NewOrchestrator(completer, registry, 0).Chat(context.Background(), ChatRequest{Text: "weather in Paris?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.State != StateDone || res.Answer != "It is sunny in Paris." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotCity != "Paris" {
		t.Fatalf("expected tool to receive Paris, got %q", gotCity)
	}
	if res.Rounds != 1 || res.Usage.TotalTokens != 37 {
		t.Fatalf("unexpected rounds/usage: rounds=%d usage=%+v", res.Rounds, res.Usage)
	}

	roles := make([]provider.Role, 0, len(res.Messages))
	for _, m := range res.Messages {
		roles = append(roles, m.Role)
	}
	want := []provider.Role{provider.RoleUser, provider.RoleAssistant, provider.RoleTool, provider.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("unexpected buffer roles %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("unexpected buffer roles %v", roles)
		}
	}
	if res.Messages[2].ToolCallID != "call_1" || res.Messages[2].Content != "sunny" {
		t.Fatalf("unexpected tool message: %+v", res.Messages[2])
	}

	second := completer.request(1)
	if len(second.messages) != 3 {
		t.Fatalf("expected second call to carry 3 messages, got %d", len(second.messages))
	}
	if len(second.opts.Tools) != 1 || second.opts.Tools[0].Name != "get_weather" {
		t.Fatalf("expected tool definitions on every call, got %+v", second.opts.Tools)
	}
}

func TestChat_NoToolsAnswersDirectly(t *testing.T) {
	completer := &scriptCompleter{responses: []*provider.Response{{Content: "hello"}}}
	res, err := NewOrchestrator(completer, nil, 0).Chat(context.Background(), ChatRequest{
		Text:    "hi",
		History: []provider.ChatMessage{{Role: provider.RoleUser, Content: "earlier"}, {Role: provider.RoleAssistant, Content: "reply"}},
		Model:   "mini",
		System:  "Be brief.",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Answer != "hello" || res.Rounds != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	first := completer.request(0)
	if len(first.messages) != 3 || first.messages[2].Content != "hi" {
		t.Fatalf("expected history plus user turn, got %+v", first.messages)
	}
	if first.opts.Model != "mini" || first.opts.System != "Be brief." {
		t.Fatalf("expected model and system overrides to pass through, got %+v", first.opts)
	}
}

func TestChat_SequentialDispatchInModelOrder(t *testing.T) {
	registry := tools.NewRegistry()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) tools.Tool {
		return tools.Func(name, name, nil, func(context.Context, tools.Env, struct{}) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name + " done", nil
		})
	}
	_ = registry.Register(record("b"))
	_ = registry.Register(record("a"))

	completer := &scriptCompleter{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: "b"}, {ID: "2", Name: "a"}}},
		{Content: "ok"},
	}}
	res, err := NewOrchestrator(completer, registry, 0).Chat(context.Background(), ChatRequest{Text: "go"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.Join(order, ",") != "b,a" {
		t.Fatalf("expected model order b,a, got %v", order)
	}
	if res.Messages[2].ToolCallID != "1" || res.Messages[3].ToolCallID != "2" {
		t.Fatalf("tool results out of order: %+v", res.Messages)
	}
}

func TestChat_UnknownToolIsFedBackToModel(t *testing.T) {
	completer := &scriptCompleter{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "x", Name: "missing_tool", Arguments: `{}`}}},
		{Content: "sorry"},
	}}
	res, err := NewOrchestrator(completer, tools.NewRegistry(), 0).Chat(context.Background(), ChatRequest{Text: "do it"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	toolMsg := res.Messages[2]
	if toolMsg.Role != provider.RoleTool || !strings.Contains(toolMsg.Content, "unknown tool") {
		t.Fatalf("expected unknown tool error message, got %+v", toolMsg)
	}
	if res.Answer != "sorry" {
		t.Fatalf("unexpected answer %q", res.Answer)
	}
}

func TestChat_ToolLoopBound(t *testing.T) {
	registry := tools.NewRegistry()
	_ = registry.Register(tools.Func("again", "", nil, func(context.Context, tools.Env, struct{}) (any, error) {
		return "more", nil
	}))
	completer := &scriptCompleter{repeat: &provider.Response{
		ToolCalls: []provider.ToolCall{{ID: "loop", Name: "again"}},
	}}

	res, err := NewOrchestrator(completer, registry, 3).Chat(context.Background(), ChatRequest{Text: "loop"})
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %v", err)
	}
	if res.State != StateFailed || res.Rounds != 3 {
		t.Fatalf("unexpected result state=%s rounds=%d", res.State, res.Rounds)
	}
	if got := completer.calls(); got != 4 {
		t.Fatalf("expected 4 model calls, got %d", got)
	}
	if res.Answer != UserMessage(err) {
		t.Fatalf("expected user-facing answer, got %q", res.Answer)
	}
}

func TestChat_GenerateErrorFails(t *testing.T) {
	completer := &scriptCompleter{err: models.ErrNoModelsConfigured}
	res, err := NewOrchestrator(completer, nil, 0).Chat(context.Background(), ChatRequest{Text: "hi"})
	if !errors.Is(err, models.ErrNoModelsConfigured) {
		t.Fatalf("expected ErrNoModelsConfigured, got %v", err)
	}
	if res.State != StateFailed || !strings.Contains(res.Answer, "No models are configured") {
		t.Fatalf("unexpected result %+v", res)
	}
	if completer.calls() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", completer.calls())
	}
}

func TestChat_CancelledBeforeModelCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completer := &scriptCompleter{responses: []*provider.Response{{Content: "never"}}}
	res, err := NewOrchestrator(completer, nil, 0).Chat(ctx, ChatRequest{Text: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.State != StateFailed || completer.calls() != 0 {
		t.Fatalf("expected no model call, state=%s calls=%d", res.State, completer.calls())
	}
}

func TestChat_CancelledBetweenToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := tools.NewRegistry()
	var second bool
	_ = registry.Register(tools.Func("first", "", nil, func(context.Context, tools.Env, struct{}) (any, error) {
		cancel()
		return "ok", nil
	}))
	_ = registry.Register(tools.Func("second", "", nil, func(context.Context, tools.Env, struct{}) (any, error) {
		second = true
		return "ok", nil
	}))

	completer := &scriptCompleter{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: "first"}, {ID: "2", Name: "second"}}},
	}}
	_, err := NewOrchestrator(completer, registry, 0).Chat(ctx, ChatRequest{Text: "go"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if second {
		t.Fatalf("expected second tool not to run after cancellation")
	}
}

func TestChat_FillsMissingToolCallIDs(t *testing.T) {
	registry := tools.NewRegistry()
	_ = registry.Register(tools.Func("noop", "", nil, func(context.Context, tools.Env, struct{}) (any, error) { return "ok", nil }))
	completer := &scriptCompleter{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{Name: "noop"}}},
		{Content: "done"},
	}}

	res, err := NewOrchestrator(completer, registry, 0).Chat(context.Background(), ChatRequest{Text: "go"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	callID := res.Messages[1].ToolCalls[0].ID
	if callID == "" || res.Messages[2].ToolCallID != callID {
		t.Fatalf("expected generated call id to link tool result, got %q and %q", callID, res.Messages[2].ToolCallID)
	}
}

func TestChat_AskUserTimeoutSentinelReachesModel(t *testing.T) {
	registry := tools.NewRegistry()
	_ = registry.Register(tools.AskUser(time.Second))
	completer := &scriptCompleter{responses: []*provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "q", Name: "ask_user_for_argument", Arguments: `{"prompt":"Which city?"}`}}},
		{Content: "I need a city to continue."},
	}}
	conv := &recordingConversation{}

	res, err := NewOrchestrator(completer, registry, 0).Chat(context.Background(), ChatRequest{Text: "weather", Conversation: conv})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Messages[2].Content != tools.UserInputTimeoutMessage {
		t.Fatalf("expected timeout sentinel, got %q", res.Messages[2].Content)
	}
	if len(conv.prompts) != 1 {
		t.Fatalf("expected one prompt to the user, got %d", len(conv.prompts))
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: models.ErrModelNotFound, want: "not configured"},
		{err: context.DeadlineExceeded, want: "too long"},
		{err: &provider.BackendError{Provider: "openai", Status: 503, Message: "overloaded"}, want: "(503)"},
		{err: &provider.BackendError{Provider: "openai", Message: "dial tcp"}, want: "could not be reached"},
		{err: errors.New("boom"), want: "Something went wrong"},
	}
	for _, tc := range tests {
		got := UserMessage(tc.err)
		if tc.want == "" {
			if got != "" {
				t.Fatalf("expected empty message for nil error, got %q", got)
			}
			continue
		}
		if !strings.Contains(got, tc.want) {
			t.Fatalf("UserMessage(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
	}
}

type completerRequest struct {
	messages []provider.ChatMessage
	opts     llm.Options
}

type scriptCompleter struct {
	mu        sync.Mutex
	requests  []completerRequest
	responses []*provider.Response
	repeat    *provider.Response
	err       error
}

func (c *scriptCompleter) Generate(_ context.Context, messages []provider.ChatMessage, opts llm.Options) (*provider.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, completerRequest{
		messages: append([]provider.ChatMessage(nil), messages...),
		opts:     opts,
	})
	if c.err != nil {
		return nil, c.err
	}
	if c.repeat != nil {
		out := *c.repeat
		return &out, nil
	}
	if len(c.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptCompleter) request(i int) completerRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type recordingConversation struct {
	mu      sync.Mutex
	written []string
	prompts []string
	reply   string
	ok      bool
}

func (c *recordingConversation) WriteMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, text)
	return nil
}

func (c *recordingConversation) Prompt(_ context.Context, text string, _ time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, text)
	return c.reply, c.ok, nil
}

func (c *recordingConversation) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}
