package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// ValidationReport collects non-fatal startup findings.
type ValidationReport struct {
	Warnings []string
}

// Validate checks one model entry.
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	switch c.Provider {
	case "", ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported provider %q (allowed: %q, %q)", c.Provider, ProviderOpenAI, ProviderAnthropic)
	}
	return nil
}

// Validate checks model entries and name/alias uniqueness.
// An empty model list is valid; lookups then fail until models are added.
func (c LLMConfig) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models[%d]: %w", i, err))
			continue
		}
		if _, dup := names[m.Name]; dup {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate name %q", i, m.Name))
		}
		names[m.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

func (c AgentConfig) Validate() error {
	if c.MaxToolRounds <= 0 {
		return errors.New("max_tool_rounds must be > 0")
	}
	if c.HistoryMessages < 0 {
		return errors.New("history_messages must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be > 0")
	}
	return nil
}

func (c ChannelConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return errors.New("token is required when enabled=true")
	}
	return nil
}

func (c ToolsConfig) Validate() error {
	if c.Weather.Enabled && strings.TrimSpace(c.Weather.Endpoint) == "" {
		return errors.New("weather.endpoint is required when weather.enabled=true")
	}
	return nil
}

func (c UsageConfig) Validate() error {
	if strings.TrimSpace(c.ReportSchedule) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.ReportSchedule); err != nil {
		return fmt.Errorf("report_schedule: %w", err)
	}
	return nil
}

// ValidateStartup validates startup configuration and returns warning messages.
func ValidateStartup(cfg *Config) (*ValidationReport, error) {
	var errs []error
	report := &ValidationReport{}

	sections := map[string]Validatable{
		"llm":   cfg.LLM,
		"agent": cfg.Agent,
		"tools": cfg.Tools,
		"usage": cfg.Usage,
	}
	for name, section := range sections {
		if err := section.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for name, ch := range cfg.Channels {
		if err := ch.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channels.%s: %w", name, err))
		}
	}

	if len(cfg.LLM.Models) == 0 {
		report.Warnings = append(report.Warnings, "llm.models is empty; every chat will fail until a model is configured")
	}
	for _, m := range cfg.LLM.Models {
		if strings.TrimSpace(m.APIKey) == "" {
			report.Warnings = append(report.Warnings, fmt.Sprintf("llm model %q has no api_key", m.Name))
		}
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}
