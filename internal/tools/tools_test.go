package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/provider"
)

type echoParams struct {
	Text  string  `json:"text"`
	Count int     `json:"count"`
	Ratio float64 `json:"ratio"`
	Loud  bool    `json:"loud"`
}

func echoTool() Tool {
	return Func(
		"echo",
		"Echo text back",
		[]Param{
			String("text", "Text to echo"),
			Integer("count", "Repeat count").Default(1),
			Number("ratio", "Unused ratio").Optional(),
			Boolean("loud", "Upper-case the output").Optional(),
		},
		func(_ context.Context, _ Env, p echoParams) (any, error) {
			out := strings.Repeat(p.Text, p.Count)
			if p.Loud {
				out = strings.ToUpper(out)
			}
			return out, nil
		},
	)
}

func TestFuncSchemaBuiltFromParams(t *testing.T) {
	schema := echoTool().Schema()
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %#v", schema["type"])
	}
	props := schema["properties"].(map[string]any)
	if len(props) != 4 {
		t.Fatalf("expected 4 properties, got %d", len(props))
	}
	count := props["count"].(map[string]any)
	if count["type"] != "integer" || count["default"] != 1 {
		t.Fatalf("unexpected count schema: %#v", count)
	}
	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "text" {
		t.Fatalf("expected only text to be required, got %#v", required)
	}
}

func TestRegistryRegisterReplacesSameName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	replacement := Func("echo", "replacement", nil, func(context.Context, Env, struct{}) (any, error) {
		return "replaced", nil
	})
	if err := r.Register(replacement); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Description != "replacement" {
		t.Fatalf("expected replacement definition, got %+v", defs)
	}
	msg := r.Dispatch(context.Background(), provider.ToolCall{ID: "1", Name: "echo"}, Env{})
	if msg.Content != "replaced" {
		t.Fatalf("expected replacement handler, got %q", msg.Content)
	}
}

func TestRegistryRegisterRejectsNilAndEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Fatalf("expected nil tool error")
	}
	if err := r.Register(Func("", "", nil, func(context.Context, Env, struct{}) (any, error) { return nil, nil })); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestDefinitionsAreNameSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Func(name, name, nil, func(context.Context, Env, struct{}) (any, error) { return nil, nil })); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	defs := r.Definitions()
	if defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", defs)
	}
}

func TestDispatchAppliesDefaultsAndDecodes(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())

	msg := r.Dispatch(context.Background(), provider.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"ab"}`}, Env{})
	if msg.Role != provider.RoleTool || msg.ToolCallID != "c1" {
		t.Fatalf("unexpected tool message envelope: %+v", msg)
	}
	if msg.Content != "ab" {
		t.Fatalf("expected default count 1, got %q", msg.Content)
	}

	msg = r.Dispatch(context.Background(), provider.ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"ab","count":2,"loud":true}`}, Env{})
	if msg.Content != "ABAB" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestDispatchErrorsBecomeToolMessages(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())
	_ = r.Register(Func("fails", "always fails", nil, func(context.Context, Env, struct{}) (any, error) {
		return nil, errors.New("backend down")
	}))

	tests := []struct {
		name string
		call provider.ToolCall
		want string
	}{
		{name: "unknown tool", call: provider.ToolCall{ID: "1", Name: "nope"}, want: "unknown tool \"nope\" (available: echo, fails)"},
		{name: "malformed json", call: provider.ToolCall{ID: "2", Name: "echo", Arguments: `{"text":`}, want: "invalid tool arguments"},
		{name: "missing required", call: provider.ToolCall{ID: "3", Name: "echo", Arguments: `{}`}, want: `missing required parameter "text"`},
		{name: "wrong type", call: provider.ToolCall{ID: "4", Name: "echo", Arguments: `{"text":"a","count":"two"}`}, want: `parameter "count" must be integer`},
		{name: "fractional integer", call: provider.ToolCall{ID: "5", Name: "echo", Arguments: `{"text":"a","count":1.5}`}, want: `parameter "count" must be integer`},
		{name: "handler error", call: provider.ToolCall{ID: "6", Name: "fails"}, want: "backend down"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := r.Dispatch(context.Background(), tc.call, Env{})
			if msg.ToolCallID != tc.call.ID || msg.Role != provider.RoleTool {
				t.Fatalf("unexpected envelope: %+v", msg)
			}
			if !strings.HasPrefix(msg.Content, "tool execution error: ") || !strings.Contains(msg.Content, tc.want) {
				t.Fatalf("expected error containing %q, got %q", tc.want, msg.Content)
			}
		})
	}
}

func TestCallClassifiesErrors(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())

	if _, err := r.Call(context.Background(), provider.ToolCall{Name: "nope"}, Env{}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := r.Call(context.Background(), provider.ToolCall{Name: "echo", Arguments: `[]`}, Env{}); !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
}

func TestDispatchFormatsResults(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Func("nil_result", "", nil, func(context.Context, Env, struct{}) (any, error) { return nil, nil }))
	_ = r.Register(Func("map_result", "", nil, func(context.Context, Env, struct{}) (any, error) {
		return map[string]any{"ok": true}, nil
	}))

	if got := r.Dispatch(context.Background(), provider.ToolCall{Name: "nil_result"}, Env{}).Content; got != "null" {
		t.Fatalf("expected null, got %q", got)
	}
	if got := r.Dispatch(context.Background(), provider.ToolCall{Name: "map_result"}, Env{}).Content; got != `{"ok":true}` {
		t.Fatalf("expected JSON result, got %q", got)
	}
}

func TestDispatchRequiresConversationWhenDeclared(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(SendMessage())

	msg := r.Dispatch(context.Background(), provider.ToolCall{ID: "1", Name: "send_message", Arguments: `{"message":"hi"}`}, Env{})
	if !strings.Contains(msg.Content, ErrNoConversation.Error()) {
		t.Fatalf("expected missing conversation error, got %q", msg.Content)
	}
}

func TestRegistryConcurrentRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(echoTool())
		}()
		go func() {
			defer wg.Done()
			msg := r.Dispatch(context.Background(), provider.ToolCall{Name: "echo", Arguments: `{"text":"x"}`}, Env{})
			if msg.Content != "x" {
				t.Errorf("unexpected content %q", msg.Content)
			}
		}()
	}
	wg.Wait()
}

type fakeConversation struct {
	mu      sync.Mutex
	sent    []string
	prompts []string
	reply   string
	ok      bool
	timeout time.Duration
}

func (c *fakeConversation) WriteMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConversation) Prompt(_ context.Context, text string, timeout time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, text)
	c.timeout = timeout
	return c.reply, c.ok, nil
}
