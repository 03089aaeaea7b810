package execution

import (
	"context"
	"fmt"
)

// LocationConfig selects and configures a location by type.
type LocationConfig struct {
	Type  string      `koanf:"type"`
	Max   int         `koanf:"max"`
	Redis RedisConfig `koanf:"redis"`
}

func OpenLocation(ctx context.Context, cfg LocationConfig) (Location, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryLocation(cfg.Max), nil
	case "redis":
		return NewRedisLocation(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("execution: unknown location type %q", cfg.Type)
	}
}
