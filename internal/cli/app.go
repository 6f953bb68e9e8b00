package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/agent"
	"github.com/neoclaw-ai/llmbot/internal/commands"
	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/llm"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/models"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/telemetry"
	"github.com/neoclaw-ai/llmbot/internal/tools"
	"github.com/neoclaw-ai/llmbot/internal/usage"
)

const telemetryShutdownTimeout = 5 * time.Second

// providerFactory is swapped in tests to avoid network backends.
var providerFactory llm.ProviderFactory = provider.NewFromModel

// app holds the services shared by the start and cli commands.
type app struct {
	models     *models.Store
	accountant *usage.Accountant
	journal    *usage.Journal
	service    *llm.Service
	agent      *agent.Agent
	router     commands.Router
}

func newApp(cfg *config.Config) (*app, error) {
	store := models.NewStore(cfg.LLM, models.NewFilePointer(cfg.DefaultModelPath()))
	if err := store.Reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile default model: %w", err)
	}

	accountant := usage.NewAccountant()
	opts := []llm.Option{llm.WithProviderFactory(providerFactory)}
	var journal *usage.Journal
	if cfg.Usage.Journal {
		journal = usage.NewJournal(cfg.UsagePath())
		opts = append(opts, llm.WithJournal(journal))
	}
	service := llm.NewService(store, accountant, opts...)

	registry, weather, err := buildToolRegistry(cfg)
	if err != nil {
		return nil, err
	}

	handler := agent.New(agent.NewOrchestrator(service, registry, cfg.Agent.MaxToolRounds), cfg.Agent)
	router := commands.Router{
		Commands: commands.New(commands.Deps{
			Resetter:      handler,
			Models:        store,
			Accountant:    accountant,
			Journal:       journal,
			Weather:       weather,
			PromptTimeout: cfg.Tools.AskUser.DefaultTimeout,
		}),
		Next: handler,
	}

	return &app{
		models:     store,
		accountant: accountant,
		journal:    journal,
		service:    service,
		agent:      handler,
		router:     router,
	}, nil
}

// watchConfig arms hot reload of the llm section.
func (a *app) watchConfig(cfg *config.Config) {
	if err := config.NewWatcher(cfg, a.reload).Start(); err != nil {
		logging.Logger().Warn("config watch unavailable; reload disabled", "err", err)
	}
}

// reload swaps in a new llm section and repairs the default pointer.
func (a *app) reload(next config.LLMConfig) {
	a.models.Replace(next)
	if err := a.models.Reconcile(); err != nil {
		logging.Logger().Warn("reconcile default model after reload failed", "err", err)
	}
}

// close releases backend connections and logs the usage summary.
func (a *app) close() {
	if err := a.service.Close(); err != nil {
		logging.Logger().Warn("close llm service", "err", err)
	}
	logging.Logger().Info("usage summary", "summary", a.accountant.Snapshot().Summary(time.Now()))
}

// initTelemetry installs trace export and returns a func that flushes it.
func initTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	shutdown, err := telemetry.Init(ctx, "llmbot", Version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logging.Logger().Warn("telemetry shutdown failed", "err", err)
		}
	}, nil
}

// buildToolRegistry registers the enabled tools. The returned weather client
// is nil when the weather tool is disabled.
func buildToolRegistry(cfg *config.Config) (*tools.Registry, *tools.WeatherClient, error) {
	registry := tools.NewRegistry()
	enabled := []tools.Tool{tools.SendMessage()}

	if cfg.Tools.AskUser.Enabled {
		enabled = append(enabled, tools.AskUser(cfg.Tools.AskUser.DefaultTimeout))
	}

	var weather *tools.WeatherClient
	if cfg.Tools.Weather.Enabled {
		weather = &tools.WeatherClient{
			Client:   &http.Client{},
			Endpoint: cfg.Tools.Weather.Endpoint,
			Lang:     cfg.Tools.Weather.Lang,
			Timeout:  cfg.Tools.Weather.Timeout,
		}
		enabled = append(enabled, tools.GetWeather(*weather))
	}

	for _, tool := range enabled {
		if err := registry.Register(tool); err != nil {
			return nil, nil, fmt.Errorf("register tool %q: %w", tool.Name(), err)
		}
	}
	return registry, weather, nil
}
