package config

import "path/filepath"

const (
	// Layout under LLMBOT_HOME.
	ConfigFilePath = "config.toml"
	DataDirPath    = "data"
	LogsDirPath    = "logs"

	DefaultModelFileName = "default_model.json"
	UsageFileName        = "usage.jsonl"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".llmbot")
}

// ConfigPath is the TOML file Load reads and Watch follows.
func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) DataDir() string {
	return filepath.Join(c.HomeDir, DataDirPath)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), LogsDirPath)
}

// DefaultModelPath stores the persisted default model pointer.
func (c *Config) DefaultModelPath() string {
	return filepath.Join(c.DataDir(), DefaultModelFileName)
}

func (c *Config) UsagePath() string {
	return filepath.Join(c.LogsDir(), UsageFileName)
}
