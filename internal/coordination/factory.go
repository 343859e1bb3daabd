package coordination

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"pdm-go/internal/config"
	"pdm-go/internal/pdm"
)

// NewMutexFromConfig creates the cross-instance critical section. The
// returned closer releases any client the mutex owns.
func NewMutexFromConfig(cfg config.CoordinationConfig, logger pdm.Logger) (pdm.StoreMutex, func() error, error) {
	switch cfg.Type {
	case "local", "":
		return LocalMutex{}, func() error { return nil }, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis coordination requires redis_addr to be set")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisMutex(client, cfg.Key, cfg.LockTTL, logger), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown coordination type: %q", cfg.Type)
	}
}
