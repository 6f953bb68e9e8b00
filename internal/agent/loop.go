package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/neoclaw-ai/llmbot/internal/llm"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/models"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/runtime"
	"github.com/neoclaw-ai/llmbot/internal/telemetry"
	"github.com/neoclaw-ai/llmbot/internal/tools"
)

const defaultMaxToolRounds = 10

// ErrToolLoopExceeded is returned when the model keeps requesting tools
// after the configured number of dispatch rounds.
var ErrToolLoopExceeded = errors.New("tool loop exceeded")

// State is the orchestration state of one chat run.
type State string

const (
	StateAwaitingModel    State = "awaiting_model"
	StateDispatchingTools State = "dispatching_tools"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Completer sends one non-streaming completion request.
type Completer interface {
	Generate(ctx context.Context, messages []provider.ChatMessage, opts llm.Options) (*provider.Response, error)
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Text    string
	History []provider.ChatMessage
	// Conversation is handed to tools that talk to the user. May be nil.
	Conversation runtime.Conversation
	// Model selects a model by name or alias; empty uses the default.
	Model  string
	System string
}

// Result is the outcome of a chat run.
type Result struct {
	State State
	// Answer is the model's final text, or a short user-facing message when
	// the run failed.
	Answer string
	// Messages is the full buffer: history, user turn, assistant turns and
	// tool results.
	Messages []provider.ChatMessage
	Rounds   int
	Usage    provider.TokenUsage
}

// Orchestrator runs the model/tool loop for single chat turns. It holds no
// per-run state and is safe for concurrent use.
type Orchestrator struct {
	completer Completer
	registry  *tools.Registry
	maxRounds int
}

// NewOrchestrator creates an orchestrator. A nil registry exposes no tools;
// maxToolRounds <= 0 uses the default of 10.
func NewOrchestrator(completer Completer, registry *tools.Registry, maxToolRounds int) *Orchestrator {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if maxToolRounds <= 0 {
		maxToolRounds = defaultMaxToolRounds
	}
	return &Orchestrator{completer: completer, registry: registry, maxRounds: maxToolRounds}
}

// Chat answers one user message. The model is called with every registered
// tool; requested tools run sequentially in the order the model listed them
// and their results are fed back until the model answers with text.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.chat")
	defer func() {
		telemetry.AddRunAttributes(span, string(res.State), res.Rounds)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
		}
		span.End()
	}()

	runID := uuid.NewString()
	log := logging.Logger().With("run_id", runID)
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		log = log.With("trace_id", traceID)
	}

	buffer := make([]provider.ChatMessage, 0, len(req.History)+4)
	buffer = append(buffer, req.History...)
	buffer = append(buffer, provider.ChatMessage{Role: provider.RoleUser, Content: req.Text})

	res = &Result{State: StateAwaitingModel}
	defs := o.registry.Definitions()
	env := tools.Env{Conversation: req.Conversation}

	log.Info("chat run start",
		"history_messages", len(req.History),
		"tool_count", len(defs),
		"model", req.Model,
		"text", summarizeTextForLog(req.Text, 300),
	)

	for {
		if err := ctx.Err(); err != nil {
			return o.fail(log, res, buffer, err)
		}

		resp, err := o.completer.Generate(ctx, buffer, llm.Options{
			System: req.System,
			Model:  req.Model,
			Tools:  defs,
		})
		if err != nil {
			return o.fail(log, res, buffer, err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens

		calls := withCallIDs(resp.ToolCalls)
		buffer = append(buffer, provider.ChatMessage{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		log.Debug("model responded",
			"round", res.Rounds,
			"tool_call_count", len(calls),
			"total_tokens", resp.Usage.TotalTokens,
		)

		if len(calls) == 0 {
			res.State = StateDone
			res.Answer = resp.Content
			res.Messages = buffer
			metrics.ChatRuns.WithLabelValues(string(StateDone)).Inc()
			log.Info("chat run done", "rounds", res.Rounds, "total_tokens", res.Usage.TotalTokens)
			return res, nil
		}
		if res.Rounds >= o.maxRounds {
			return o.fail(log, res, buffer, fmt.Errorf("%w after %d rounds", ErrToolLoopExceeded, res.Rounds))
		}

		res.State = StateDispatchingTools
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return o.fail(log, res, buffer, err)
			}
			log.Info("tool call start", "tool", call.Name, "tool_call_id", call.ID)
			buffer = append(buffer, o.registry.Dispatch(ctx, call, env))
		}
		res.Rounds++
		res.State = StateAwaitingModel
	}
}

func (o *Orchestrator) fail(log *slog.Logger, res *Result, buffer []provider.ChatMessage, err error) (*Result, error) {
	res.State = StateFailed
	res.Answer = UserMessage(err)
	res.Messages = buffer
	metrics.ChatRuns.WithLabelValues(string(StateFailed)).Inc()
	log.Warn("chat run failed", "rounds", res.Rounds, "err", err)
	return res, err
}

// withCallIDs fills in IDs the backend left empty so tool results can
// always be linked to their call.
func withCallIDs(calls []provider.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[i] = call
	}
	return out
}

// UserMessage maps a chat failure to a short reply suitable for the user.
func UserMessage(err error) string {
	var backendErr *provider.BackendError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrNoModelsConfigured):
		return "No models are configured. Add one to the llm section of the config file."
	case errors.Is(err, models.ErrModelNotFound):
		return "That model is not configured. Use /models to list the available ones."
	case errors.Is(err, ErrToolLoopExceeded):
		return "I could not finish that request: it needed too many tool calls."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long and was stopped."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.As(err, &backendErr):
		if backendErr.Status > 0 {
			return fmt.Sprintf("The model backend returned an error (%d). Please try again later.", backendErr.Status)
		}
		return "The model backend could not be reached. Please try again later."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

func summarizeTextForLog(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	return fmt.Sprintf("%s...[truncated %d chars]", text[:maxLen], len(text)-maxLen)
}
