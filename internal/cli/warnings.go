package cli

import (
	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/logging"
)

// Emit startup warnings derived from non-fatal config conditions.
func warnStartupConditions(cfg *config.Config) {
	if cfg == nil {
		return
	}

	for name, base := range cfg.Bases {
		if base.ScoreThreshold == 0 {
			logging.Logger().Warn(
				"score_threshold is 0; low-confidence answers will be returned",
				"base", name,
			)
		}
		if cfg.Probe.Enabled && base.Kind == config.BaseKindGenerative {
			logging.Logger().Warn(
				"probe is enabled for a generative base; every probe run sends a paid model request",
				"base", name,
			)
		}
	}
}
