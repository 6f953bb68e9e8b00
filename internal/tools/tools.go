// Package tools defines model-callable tools, the registry that exposes
// their schemas, and the dispatcher that turns tool calls into tool result
// messages.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

var (
	// ErrUnknownTool is returned when a call names no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when call arguments do not match the
	// tool's declared parameters.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrNoConversation is returned when a tool needs the active
	// conversation and none is attached to the call.
	ErrNoConversation = errors.New("no active conversation")
)

// Env carries ambient values a handler may need besides its arguments.
type Env struct {
	Conversation runtime.Conversation
}

// Tool is one callable action exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	// Call decodes raw JSON arguments and runs the handler.
	Call(ctx context.Context, env Env, arguments string) (any, error)
}

// Type is a JSON schema primitive type.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Param declares one tool parameter. Params are required unless marked
// Optional or given a Default.
type Param struct {
	Name        string
	Description string
	Type        Type
	Required    bool

	defaultValue any
	hasDefault   bool
}

func newParam(name, description string, typ Type) Param {
	return Param{Name: name, Description: description, Type: typ, Required: true}
}

func String(name, description string) Param  { return newParam(name, description, TypeString) }
func Integer(name, description string) Param { return newParam(name, description, TypeInteger) }
func Number(name, description string) Param  { return newParam(name, description, TypeNumber) }
func Boolean(name, description string) Param { return newParam(name, description, TypeBoolean) }

// Optional marks the parameter as not required.
func (p Param) Optional() Param {
	p.Required = false
	return p
}

// Default marks the parameter optional and fills v when it is omitted.
func (p Param) Default(v any) Param {
	p.Required = false
	p.defaultValue = v
	p.hasDefault = true
	return p
}

// Option configures a tool built with Func.
type Option func(*toolOptions)

type toolOptions struct {
	needsConversation bool
}

// NeedsConversation declares that the handler uses Env.Conversation.
// Calls without one fail before the handler runs.
func NeedsConversation() Option {
	return func(o *toolOptions) { o.needsConversation = true }
}

// Handler runs a tool with decoded parameters.
type Handler[P any] func(ctx context.Context, env Env, params P) (any, error)

type funcTool[P any] struct {
	name        string
	description string
	params      []Param
	schema      map[string]any
	handler     Handler[P]
	opts        toolOptions
}

// Func builds a tool from explicit parameter declarations. Arguments are
// validated against params and decoded into P using the params' names as
// json tags.
func Func[P any](name, description string, params []Param, handler Handler[P], opts ...Option) Tool {
	t := &funcTool[P]{
		name:        name,
		description: description,
		params:      params,
		schema:      buildSchema(params),
		handler:     handler,
	}
	for _, opt := range opts {
		opt(&t.opts)
	}
	return t
}

func (t *funcTool[P]) Name() string           { return t.name }
func (t *funcTool[P]) Description() string    { return t.description }
func (t *funcTool[P]) Schema() map[string]any { return t.schema }

func (t *funcTool[P]) Call(ctx context.Context, env Env, arguments string) (any, error) {
	if t.opts.needsConversation && env.Conversation == nil {
		return nil, fmt.Errorf("%s: %w", t.name, ErrNoConversation)
	}
	values, err := t.validate(arguments)
	if err != nil {
		return nil, err
	}

	var params P
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &params,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return nil, fmt.Errorf("build argument decoder: %w", err)
	}
	if err := dec.Decode(values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return t.handler(ctx, env, params)
}

// validate parses arguments, checks them against the declared params and
// applies defaults. Unknown keys are dropped.
func (t *funcTool[P]) validate(arguments string) (map[string]any, error) {
	raw := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	out := make(map[string]any, len(t.params))
	for _, p := range t.params {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrInvalidArguments, p.Name)
			}
			if p.hasDefault {
				out[p.Name] = p.defaultValue
			}
			continue
		}
		checked, err := checkType(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = checked
	}
	return out, nil
}

func checkType(p Param, v any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: parameter %q must be %s, got %T", ErrInvalidArguments, p.Name, p.Type, v)
	}
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case TypeInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, mismatch()
		}
		return int64(f), nil
	case TypeNumber:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return f, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	default:
		return v, nil
	}
}

func buildSchema(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.hasDefault {
			prop["default"] = p.defaultValue
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
