// Package bootstrap creates the on-disk layout a bot home needs before start.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/store"
)

// Initialize creates the expected QBot data tree if missing. Existing files
// are never overwritten.
func Initialize(cfg *config.Config) error {
	dirs := []string{
		cfg.DataDir(),
		cfg.PolicyDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := store.EnsureDir(dir); err != nil {
			return err
		}
	}

	starterConfig, err := config.DefaultUserConfigTOML()
	if err != nil {
		return err
	}

	files := []struct {
		path    string
		content string
	}{
		{path: cfg.ConfigPath(), content: starterConfig},
		{path: cfg.AllowedUsersPath(), content: "{\n  \"users\": []\n}\n"},
		{path: cfg.TurnsPath(), content: ""},
	}
	for _, file := range files {
		if err := writeFileIfMissing(file.path, file.content); err != nil {
			return err
		}
	}

	return nil
}

func writeFileIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file %q: %w", path, err)
	}
	return nil
}
