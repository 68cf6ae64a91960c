package webhook

import (
	"fmt"

	"github.com/mattjoyce/toolgate/internal/config"
)

// FromConfig resolves the webhook section of the service configuration.
func FromConfig(wc config.WebhooksConfig) (Config, error) {
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]Endpoint, 0, len(wc.Endpoints)),
	}
	for _, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		size, err := config.ParseByteSize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size: %w", ep.Path, err)
		}
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{
			Path:            ep.Path,
			Type:            ep.Type,
			Priority:        ep.Priority,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     size,
		})
	}
	return cfg, nil
}
