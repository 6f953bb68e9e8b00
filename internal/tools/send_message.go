package tools

import "context"

type sendMessageParams struct {
	Message string `json:"message"`
}

// SendMessage returns the send_message tool, which delivers an interim
// message to the active conversation before the final answer.
func SendMessage() Tool {
	return Func(
		"send_message",
		"Send a message to the user right away, before the final answer",
		[]Param{String("message", "Message text to send")},
		func(ctx context.Context, env Env, p sendMessageParams) (any, error) {
			if err := env.Conversation.WriteMessage(ctx, p.Message); err != nil {
				return nil, err
			}
			return "sent", nil
		},
		NeedsConversation(),
	)
}
