package tools

import (
	"context"
	"strings"
	"time"
)

// UserInputTimeoutMessage is returned to the model when the user did not
// answer a follow-up question in time.
const UserInputTimeoutMessage = "No input was provided; cannot continue."

const defaultAskUserTimeout = 120 * time.Second

type askUserParams struct {
	Prompt  string `json:"prompt"`
	Timeout int    `json:"timeout"`
}

// AskUser returns the ask_user_for_argument tool. It asks the user a
// question in the active conversation and waits for the reply.
func AskUser(defaultTimeout time.Duration) Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultAskUserTimeout
	}
	return Func(
		"ask_user_for_argument",
		"Ask the user for a missing argument and wait for the reply. Returns the reply text.",
		[]Param{
			String("prompt", "Question to show the user"),
			Integer("timeout", "Seconds to wait for a reply").Default(int(defaultTimeout / time.Second)),
		},
		func(ctx context.Context, env Env, p askUserParams) (any, error) {
			timeout := time.Duration(p.Timeout) * time.Second
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			reply, ok, err := env.Conversation.Prompt(ctx, p.Prompt, timeout)
			if err != nil {
				return nil, err
			}
			if !ok || strings.TrimSpace(reply) == "" {
				return UserInputTimeoutMessage, nil
			}
			return reply, nil
		},
		NeedsConversation(),
	)
}
