package daemon

import (
	"fmt"
	"time"

	"github.com/harun/bamboo/internal/config"
	"github.com/harun/bamboo/internal/logger"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/rs/zerolog"
)

// buildProvider assembles the failover chain from the configured profiles and
// wraps it with masking, metrics and tracing.
func buildProvider(cfg *config.Config, log zerolog.Logger) (agent.Provider, error) {
	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one AI profile is required")
	}

	failover, err := agent.NewFailoverProvider(
		convertProfiles(cfg.AI.Profiles),
		time.Duration(cfg.AI.CooldownSeconds)*time.Second,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider chain: %w", err)
	}

	return agent.Chain(failover,
		agent.WithMasking(outboundRedactor(cfg)),
		agent.WithMetrics(),
		agent.WithTracing(),
	), nil
}

func convertProfiles(profiles []config.AIProfile) []agent.Profile {
	out := make([]agent.Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return out
}

// outboundRedactor masks the daemon's own credentials in addition to the
// built-in patterns, so they never reach a model even if a tool prints them.
func outboundRedactor(cfg *config.Config) *logger.Redactor {
	r := logger.NewRedactor()
	for _, p := range cfg.AI.Profiles {
		r.AddSecret(p.APIKey)
	}
	r.AddSecret(cfg.Gateway.SharedSecret)
	return r
}
