// Package agent runs the model/tool orchestration loop and adapts it to the
// runtime message handler contract.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

// Agent implements runtime.Handler on top of an Orchestrator. It keeps a
// bounded in-memory history per conversation for the process lifetime.
type Agent struct {
	orchestrator *Orchestrator
	historyLimit int
	timeout      time.Duration

	mu        sync.Mutex
	histories map[string][]provider.ChatMessage
}

// New creates an Agent. cfg.HistoryMessages of 0 makes every turn start
// from an empty history.
func New(orchestrator *Orchestrator, cfg config.AgentConfig) *Agent {
	return &Agent{
		orchestrator: orchestrator,
		historyLimit: cfg.HistoryMessages,
		timeout:      cfg.RequestTimeout,
		histories:    make(map[string][]provider.ChatMessage),
	}
}

// HandleMessage runs one chat turn and writes the answer to conv. Chat
// failures are answered with a short explanation instead of an error so
// the conversation keeps going.
func (a *Agent) HandleMessage(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if msg == nil {
		return errors.New("message is required")
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.orchestrator.Chat(ctx, ChatRequest{
		Text:         text,
		History:      a.History(msg.ConversationID),
		Conversation: conv,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logging.Logger().Warn("chat failed", "conversation", msg.ConversationID, "user", msg.Username, "err", err)
		return conv.WriteMessage(context.WithoutCancel(ctx), res.Answer)
	}

	a.remember(msg.ConversationID, res.Messages)
	if strings.TrimSpace(res.Answer) == "" {
		return nil
	}
	return conv.WriteMessage(ctx, res.Answer)
}

// History returns a copy of the stored history for a conversation.
func (a *Agent) History(conversationID string) []provider.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]provider.ChatMessage(nil), a.histories[conversationID]...)
}

// Reset forgets the history of one conversation.
func (a *Agent) Reset(conversationID string) {
	a.mu.Lock()
	delete(a.histories, conversationID)
	a.mu.Unlock()
}

func (a *Agent) remember(conversationID string, messages []provider.ChatMessage) {
	kept := capHistory(messages, a.historyLimit)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(kept) == 0 {
		delete(a.histories, conversationID)
		return
	}
	a.histories[conversationID] = kept
}
