// Package commands provides channel-agnostic slash command handling.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/models"
	"github.com/neoclaw-ai/llmbot/internal/runtime"
	"github.com/neoclaw-ai/llmbot/internal/tools"
	"github.com/neoclaw-ai/llmbot/internal/usage"
)

const helpText = "Commands: /help, /reset, /model [name], /models, /usage, /weather [city]"

const defaultPromptTimeout = 120 * time.Second

// Resetter forgets the history of one conversation.
type Resetter interface {
	Reset(conversationID string)
}

// Deps are the services commands act on. Nil fields disable the commands
// that need them.
type Deps struct {
	Resetter      Resetter
	Models        *models.Store
	Accountant    *usage.Accountant
	Journal       *usage.Journal
	Weather       *tools.WeatherClient
	PromptTimeout time.Duration
}

// Handler dispatches supported slash commands.
type Handler struct {
	deps Deps
	now  func() time.Time
}

// New creates a new slash command handler.
func New(deps Deps) *Handler {
	if deps.PromptTimeout <= 0 {
		deps.PromptTimeout = defaultPromptTimeout
	}
	return &Handler{deps: deps, now: time.Now}
}

// Handle executes one command and reports whether it was handled.
func (h *Handler) Handle(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) (handled bool, err error) {
	if conv == nil {
		return false, errors.New("conversation is required")
	}
	name, args := parse(msg.Text)
	if name == "" {
		return false, nil
	}

	switch name {
	case "/help", "/commands", "/start":
		return true, conv.WriteMessage(ctx, helpText)
	case "/new", "/reset":
		return true, h.handleReset(ctx, conv, msg)
	case "/model":
		return true, h.handleModel(ctx, conv, args)
	case "/models":
		return true, h.handleModels(ctx, conv)
	case "/usage":
		return true, h.handleUsage(ctx, conv)
	case "/weather":
		return true, h.handleWeather(ctx, conv, args)
	default:
		return false, nil
	}
}

func (h *Handler) handleReset(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) error {
	if h.deps.Resetter == nil {
		return errors.New("reset command is unavailable")
	}
	h.deps.Resetter.Reset(msg.ConversationID)
	return conv.WriteMessage(ctx, "Conversation history cleared.")
}

func (h *Handler) handleModel(ctx context.Context, conv runtime.Conversation, args []string) error {
	store := h.deps.Models
	if store == nil {
		return errors.New("model command is unavailable")
	}

	if len(args) == 0 {
		current, err := store.Resolve("")
		if errors.Is(err, models.ErrNoModelsConfigured) {
			return conv.WriteMessage(ctx, "No models are configured.")
		}
		if err != nil {
			return err
		}
		return conv.WriteMessage(ctx, "Current model: "+describe(current.Name, current.Alias))
	}

	m, err := store.SetDefault(args[0])
	switch {
	case errors.Is(err, models.ErrNoModelsConfigured):
		return conv.WriteMessage(ctx, "No models are configured.")
	case errors.Is(err, models.ErrModelNotFound):
		return conv.WriteMessage(ctx, fmt.Sprintf("Unknown model %q. Use /models to list the available ones.", args[0]))
	case err != nil:
		return err
	}
	return conv.WriteMessage(ctx, "Default model set to "+describe(m.Name, m.Alias)+".")
}

func (h *Handler) handleModels(ctx context.Context, conv runtime.Conversation) error {
	store := h.deps.Models
	if store == nil {
		return errors.New("models command is unavailable")
	}
	snap := store.Snapshot()
	if len(snap.Models) == 0 {
		return conv.WriteMessage(ctx, "No models are configured.")
	}
	current, err := store.Resolve("")
	if err != nil {
		logging.Logger().Warn("resolve default model failed", "err", err)
	}

	var b strings.Builder
	b.WriteString("Models:")
	for _, m := range snap.Models {
		marker := " "
		if m.Name == current.Name {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n%s %s", marker, describe(m.Name, m.Alias))
	}
	return conv.WriteMessage(ctx, b.String())
}

func (h *Handler) handleUsage(ctx context.Context, conv runtime.Conversation) error {
	if h.deps.Accountant == nil {
		return errors.New("usage command is unavailable")
	}
	now := h.now()
	lines := []string{"Usage since start: " + h.deps.Accountant.Snapshot().Summary(now)}
	if h.deps.Journal != nil {
		totals, err := h.deps.Journal.Totals(ctx, now)
		if err != nil {
			return fmt.Errorf("read usage journal: %w", err)
		}
		lines = append(lines,
			fmt.Sprintf("Today: %d calls, %d tokens", totals.TodayCalls, totals.TodayTokens),
			fmt.Sprintf("This month: %d calls, %d tokens", totals.MonthCalls, totals.MonthTokens),
		)
	}
	return conv.WriteMessage(ctx, strings.Join(lines, "\n"))
}

// handleWeather looks up the weather directly, asking for the city when
// none was given.
func (h *Handler) handleWeather(ctx context.Context, conv runtime.Conversation, args []string) error {
	if h.deps.Weather == nil {
		return conv.WriteMessage(ctx, "The weather command is disabled.")
	}

	city := strings.TrimSpace(strings.Join(args, " "))
	if city == "" {
		reply, ok, err := conv.Prompt(ctx, "Which city?", h.deps.PromptTimeout)
		if err != nil {
			return err
		}
		city = strings.TrimSpace(reply)
		if !ok || city == "" {
			return conv.WriteMessage(ctx, tools.UserInputTimeoutMessage)
		}
	}

	report, failure, err := h.deps.Weather.Lookup(ctx, city)
	if err != nil {
		logging.Logger().Warn("weather lookup failed", "city", city, "err", err)
		return conv.WriteMessage(ctx, "Weather lookup failed. Please try again later.")
	}
	if failure != nil {
		return conv.WriteMessage(ctx, fmt.Sprintf("Weather lookup failed (%d): %s", failure.Error.Code, failure.Error.Message))
	}
	return conv.WriteMessage(ctx, report.Format(city))
}

// Router dispatches slash commands before delegating to the next runtime.Handler.
type Router struct {
	Commands *Handler
	Next     runtime.Handler
}

// HandleMessage runs command dispatch first, then forwards non-command input.
func (r Router) HandleMessage(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if r.Next == nil {
		return errors.New("next handler is required")
	}
	if r.Commands != nil {
		handled, err := r.Commands.Handle(ctx, conv, msg)
		if handled || err != nil {
			return err
		}
	}
	return r.Next.HandleMessage(ctx, conv, msg)
}

// parse splits a slash command into its lower-cased name and arguments.
// Telegram's /cmd@botname form is accepted.
func parse(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	tokens, err := shlex.Split(text)
	if err != nil || len(tokens) == 0 {
		tokens = strings.Fields(text)
	}
	name := strings.ToLower(tokens[0])
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	return name, tokens[1:]
}

func describe(name, alias string) string {
	if alias == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, alias)
}
