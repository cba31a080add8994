package knowledge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qbot-ai/qbot/internal/config"
)

// FromConfig builds every configured knowledge base, keyed by its config
// table name.
func FromConfig(cfg *config.Config) (map[string]Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	bases := make(map[string]Provider, len(cfg.Bases))
	for name, baseCfg := range cfg.Bases {
		p, err := NewProvider(baseCfg)
		if err != nil {
			closeProviders(bases)
			return nil, fmt.Errorf("bases.%s: %w", name, err)
		}
		bases[name] = p
	}
	return bases, nil
}

// NewProvider builds one knowledge base from its config entry.
func NewProvider(cfg config.BaseConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.BaseKindQnAMaker:
		return newQnAMakerProvider(cfg)
	case config.BaseKindFile:
		return newFileProvider(cfg)
	case config.BaseKindGenerative:
		return newGenerativeProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported kind %q", cfg.Kind)
	}
}

// closeProviders releases providers that hold resources, such as the file
// provider's watcher and index.
func closeProviders(bases map[string]Provider) {
	for _, p := range bases {
		if closer, ok := p.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// CloseAll releases every provider in bases that holds resources.
func CloseAll(bases map[string]Provider) {
	closeProviders(bases)
}
