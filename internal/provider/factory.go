package provider

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/neoclaw-ai/llmbot/internal/config"
)

// NewFromModel builds a provider for one configured model. All providers
// built with the same httpClient share its connection pool.
func NewFromModel(cfg config.ModelConfig, httpClient *http.Client) (Provider, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", config.ProviderOpenAI:
		return newOpenAIProvider(cfg.APIKey, cfg.BaseURL, httpClient), nil
	case config.ProviderAnthropic:
		return newAnthropicProvider(cfg.APIKey, cfg.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// intParam reads an integer-valued param that may have been decoded from
// TOML or JSON as any numeric type.
func intParam(params map[string]any, key string) (int64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
