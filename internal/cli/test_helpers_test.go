package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/provider"
)

func createTestHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), ".llmbot")
	t.Setenv("LLMBOT_HOME", home)
	return home
}

func writeValidConfig(t *testing.T, home string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	configBody := `
[llm]
prompt = "be brief"

[[llm.models]]
name = "gpt-4o-mini"
alias = "mini"
provider = "openai"
api_key = "test-key"

[[llm.models]]
name = "claude-sonnet"
alias = "sonnet"
provider = "anthropic"
api_key = "test-key"

[tools.weather]
enabled = false

[channels.telegram]
enabled = true
token = "telegram-token"
`
	if err := os.WriteFile(filepath.Join(home, config.ConfigFilePath), []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// useFakeProvider routes every model to a canned response.
func useFakeProvider(t *testing.T, p fakeProvider) {
	t.Helper()
	orig := providerFactory
	t.Cleanup(func() { providerFactory = orig })
	providerFactory = func(_ config.ModelConfig, _ *http.Client) (provider.Provider, error) {
		return p, nil
	}
}

type fakeProvider struct {
	resp *provider.Response
	err  error
}

func (p fakeProvider) Complete(_ context.Context, _ provider.Request) (*provider.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p fakeProvider) Stream(context.Context, provider.Request) (provider.Stream, error) {
	return nil, errors.New("streaming not supported by fake provider")
}
