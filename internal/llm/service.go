// Package llm builds completion requests from the model configuration and
// sends them through the configured provider, accounting usage as it goes.
package llm

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/metrics"
	"github.com/neoclaw-ai/llmbot/internal/models"
	"github.com/neoclaw-ai/llmbot/internal/provider"
	"github.com/neoclaw-ai/llmbot/internal/telemetry"
	"github.com/neoclaw-ai/llmbot/internal/usage"
)

// ProviderFactory builds a provider for one resolved model.
type ProviderFactory func(cfg config.ModelConfig, httpClient *http.Client) (provider.Provider, error)

// Options are per-call overrides.
type Options struct {
	// System overrides the model and global system prompts when non-empty.
	System string
	// Model selects a model by name or alias; empty uses the default.
	Model string
	Tools []provider.ToolDefinition
	// Params overlay the model's extra params; caller values win.
	Params map[string]any
}

// Request is a fully built completion request bound to its model.
type Request struct {
	Model   config.ModelConfig
	Stream  bool
	Payload provider.Request
}

// Service sends completion requests. It is safe for concurrent use.
type Service struct {
	models      *models.Store
	accountant  *usage.Accountant
	journal     *usage.Journal
	newProvider ProviderFactory

	transport  *http.Transport
	httpClient *http.Client
}

// Option configures a Service.
type Option func(*Service)

// WithJournal appends one record per completed call to j.
func WithJournal(j *usage.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithProviderFactory replaces the provider constructor.
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Service) { s.newProvider = f }
}

// NewService creates a service over the model store. All backends share
// one HTTP transport, released by Close.
func NewService(store *models.Store, accountant *usage.Accountant, opts ...Option) *Service {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	s := &Service{
		models:      store,
		accountant:  accountant,
		newProvider: provider.NewFromModel,
		transport:   transport,
		httpClient:  &http.Client{Transport: transport},
	}
	if s.accountant == nil {
		s.accountant = usage.NewAccountant()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accountant returns the usage accountant fed by this service.
func (s *Service) Accountant() *usage.Accountant {
	return s.accountant
}

// BuildRequest resolves the model and assembles the request. The system
// message is prepended to a copy; messages is never modified.
func (s *Service) BuildRequest(messages []provider.ChatMessage, stream bool, opts Options) (*Request, error) {
	cfg, err := s.models.Resolve(opts.Model)
	if err != nil {
		return nil, err
	}

	system := opts.System
	if system == "" {
		system = cfg.Prompt
	}
	if system == "" {
		system = s.models.Prompt()
	}

	out := make([]provider.ChatMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, provider.ChatMessage{Role: provider.RoleSystem, Content: system})
	}
	out = append(out, messages...)

	params := make(map[string]any, len(cfg.Extra)+len(opts.Params))
	maps.Copy(params, cfg.Extra)
	maps.Copy(params, opts.Params)

	return &Request{
		Model:  cfg,
		Stream: stream,
		Payload: provider.Request{
			Model:    cfg.Name,
			Messages: out,
			Tools:    opts.Tools,
			Params:   params,
		},
	}, nil
}

// Generate sends a non-streaming request.
func (s *Service) Generate(ctx context.Context, messages []provider.ChatMessage, opts Options) (*provider.Response, error) {
	req, err := s.BuildRequest(messages, false, opts)
	if err != nil {
		return nil, err
	}
	p, err := s.newProvider(req.Model, s.httpClient)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "llm.generate")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.Model.Provider, req.Model.Name, false)

	start := time.Now()
	resp, err := p.Complete(ctx, req.Payload)
	s.observe(req.Model, start, err)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	s.accountant.RecordCall()
	s.recordUsage(ctx, req.Model, resp.Usage)
	telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)
	if resp.Model == "" {
		resp.Model = req.Model.Name
	}
	return resp, nil
}

// GenerateText wraps text in a single user message and calls Generate.
func (s *Service) GenerateText(ctx context.Context, text string, opts Options) (*provider.Response, error) {
	return s.Generate(ctx, []provider.ChatMessage{{Role: provider.RoleUser, Content: text}}, opts)
}

// Stream opens a streaming request. The caller must Close the stream.
func (s *Service) Stream(ctx context.Context, messages []provider.ChatMessage, opts Options) (*Stream, error) {
	req, err := s.BuildRequest(messages, true, opts)
	if err != nil {
		return nil, err
	}
	p, err := s.newProvider(req.Model, s.httpClient)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "llm.generate")
	telemetry.AddRequestAttributes(span, req.Model.Provider, req.Model.Name, true)

	start := time.Now()
	inner, err := p.Stream(ctx, req.Payload)
	s.observe(req.Model, start, err)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		span.End()
		return nil, err
	}

	s.accountant.RecordCall()
	metrics.ActiveStreams.Inc()
	return &Stream{inner: inner, svc: s, ctx: ctx, model: req.Model, span: span}, nil
}

// Close releases idle backend connections.
func (s *Service) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Service) observe(model config.ModelConfig, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		var be *provider.BackendError
		if errors.As(err, &be) && be.Status > 0 {
			status = strconv.Itoa(be.Status)
		}
	}
	metrics.RequestsTotal.WithLabelValues(model.Provider, model.Name, status).Inc()
	metrics.RequestDuration.WithLabelValues(model.Provider, model.Name).Observe(time.Since(start).Seconds())
}

func (s *Service) recordUsage(ctx context.Context, model config.ModelConfig, u provider.TokenUsage) {
	s.accountant.Record(u)
	if s.journal == nil {
		return
	}
	// Journal writes outlive a cancelled request.
	if err := s.journal.Append(context.WithoutCancel(ctx), usage.Record{
		Provider:     model.Provider,
		Model:        model.Name,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}); err != nil {
		logging.Logger().Warn("failed to append usage record", "model", model.Name, "err", err)
	}
}
