// Package bootstrap prepares the llmbot home directory on first run.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/store"
)

// Initialize creates the expected llmbot data tree and a starter config
// file if they are missing. Existing files are never overwritten.
func Initialize(cfg *config.Config) error {
	dirs := []string{
		cfg.HomeDir,
		cfg.DataDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	configTOML, err := config.DefaultUserConfigTOML()
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{path: cfg.ConfigPath(), content: configTOML},
		{path: cfg.UsagePath(), content: ""},
	}
	for _, file := range files {
		created, err := writeFileIfMissing(file.path, file.content)
		if err != nil {
			return err
		}
		if created {
			logging.Logger().Info("created file", "path", file.path)
		}
	}
	return nil
}

func writeFileIfMissing(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %q: %w", path, err)
	}

	if err := store.WriteFile(path, []byte(content)); err != nil {
		return false, fmt.Errorf("write file %q: %w", path, err)
	}
	return true, nil
}
