package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/neoclaw-ai/llmbot/internal/channels"
	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

func newCLICmd() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "cli",
		Short: "Send a message (or start interactive chat without -p)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValidated()
			if err != nil {
				return err
			}

			flushTelemetry, err := initTelemetry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer flushTelemetry()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			listener := channels.NewCLI(cmd.InOrStdin(), cmd.OutOrStdout())
			trimmedPrompt := strings.TrimSpace(prompt)
			if trimmedPrompt == "" {
				a.watchConfig(cfg)
				return listener.Listen(cmd.Context(), a.router)
			}

			return a.router.HandleMessage(cmd.Context(), listener.Conversation(), &runtime.Message{
				ConversationID: "cli",
				UserID:         "local",
				Text:           trimmedPrompt,
			})
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt message")

	return cmd
}
