package agent

import "github.com/neoclaw-ai/llmbot/internal/provider"

// capHistory keeps at most the last limit messages. The cut is moved
// forward so the kept window never opens with tool results or an assistant
// turn whose tool calls lost their results; backends reject both.
func capHistory(messages []provider.ChatMessage, limit int) []provider.ChatMessage {
	if limit <= 0 || len(messages) == 0 {
		return nil
	}
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	for start < len(messages) && messages[start].Role != provider.RoleUser {
		start++
	}
	if start == len(messages) {
		return nil
	}
	return append([]provider.ChatMessage(nil), messages[start:]...)
}
