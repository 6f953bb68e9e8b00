package cli

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neoclaw-ai/llmbot/internal/channels"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/usage"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValidated()
			if err != nil {
				return err
			}
			telegram := cfg.TelegramChannel()
			if !telegram.Enabled || strings.TrimSpace(telegram.Token) == "" {
				return errors.New("channels.telegram must be enabled with a token to start the bot; use `llmbot cli` for terminal chat")
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

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.watchConfig(cfg)

			if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
				go func() {
					if err := metrics.Serve(runCtx, addr); err != nil {
						logging.Logger().Error("metrics endpoint failed", "addr", addr, "err", err)
					}
				}()
			}
			if schedule := strings.TrimSpace(cfg.Usage.ReportSchedule); schedule != "" {
				go func() {
					if err := usage.NewReporter(a.accountant, schedule).Run(runCtx); err != nil {
						logging.Logger().Error("usage reporter failed", "err", err)
					}
				}()
			}

			def, _ := a.models.Default()
			logging.Logger().Info(
				"starting server",
				"models", len(cfg.LLM.Models),
				"default_model", def,
				"home_dir", cfg.HomeDir,
			)

			if err := channels.NewTelegram(telegram.Token).Listen(runCtx, a.router); err != nil {
				return err
			}
			logging.Logger().Info("server stopped")
			return nil
		},
	}
}
