package cli

import (
	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/logging"
)

// loadValidated loads config and fails on invalid sections. Non-fatal
// conditions are logged as warnings.
func loadValidated() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	report, err := config.ValidateStartup(cfg)
	if err != nil {
		return nil, err
	}
	warnStartupConditions(cfg, report)
	return cfg, nil
}

// Emit startup warnings derived from non-fatal config/runtime conditions.
func warnStartupConditions(cfg *config.Config, report *config.ValidationReport) {
	if report != nil {
		for _, w := range report.Warnings {
			logging.Logger().Warn(w)
		}
	}
	if cfg != nil && !cfg.Tools.Weather.Enabled && !cfg.Tools.AskUser.Enabled {
		logging.Logger().Warn("all optional tools are disabled; the model can only answer from its own knowledge")
	}
}
