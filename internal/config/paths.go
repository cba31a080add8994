package config

import "path/filepath"

const (
	// Global layout under QBOT_HOME.
	ConfigFilePath = "config.toml"
	DataDirPath    = "data"
	PolicyDirPath  = "policy"
	LogsDirPath    = "logs"
	PIDFilePath    = "qbot.pid"

	AllowedUsersFileName = "allowed_users.json"
	TurnsFileName        = "turns.jsonl"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".qbot")
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) DataDir() string {
	return filepath.Join(c.HomeDir, DataDirPath)
}

func (c *Config) PolicyDir() string {
	return filepath.Join(c.DataDir(), PolicyDirPath)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), LogsDirPath)
}

func (c *Config) AllowedUsersPath() string {
	return filepath.Join(c.PolicyDir(), AllowedUsersFileName)
}

func (c *Config) TurnsPath() string {
	return filepath.Join(c.LogsDir(), TurnsFileName)
}

func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir(), PIDFilePath)
}
