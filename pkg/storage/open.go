package storage

import (
	"context"
	"fmt"

	"github.com/paddock-io/paddock/pkg/config"
	"github.com/paddock-io/paddock/pkg/log"
)

// Open builds the Store selected by cfg. When the Redis endpoint is
// unreachable and fallback is enabled, it degrades to the in-memory store
// and reports fellBack=true so the health endpoint can surface the
// degraded state.
func Open(ctx context.Context, cfg config.StoreConfig) (store Store, fellBack bool, err error) {
	logger := log.WithComponent("storage")

	switch cfg.Driver {
	case config.StoreMemory:
		return NewMemoryStore(), false, nil

	case config.StoreBolt:
		s, err := NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, false, err
		}
		return s, false, nil

	case config.StoreRedis:
		s, err := NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err == nil {
			return s, false, nil
		}
		if !cfg.EnableFallback {
			return nil, false, err
		}
		logger.Warn().Err(err).Str("addr", cfg.Addr).
			Msg("Redis unreachable, falling back to in-memory store")
		return NewMemoryStore(), true, nil

	default:
		return nil, false, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
