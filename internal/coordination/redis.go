package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"pdm-go/internal/pdm"
)

const (
	DefaultLockTTL = 10 * time.Second
	DefaultLockKey = "pdm:store-lock"

	retryMin = 5 * time.Millisecond
	retryMax = 200 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// RedisMutex is a store-wide critical section shared by every instance
// pointed at the same Redis. The key holds a random token with a TTL so a
// crashed holder cannot wedge the others; a live holder keeps extending it.
type RedisMutex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger pdm.Logger
}

var _ pdm.StoreMutex = (*RedisMutex)(nil)

func NewRedisMutex(client *redis.Client, key string, ttl time.Duration, logger pdm.Logger) *RedisMutex {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = pdm.NewNopLogger()
	}
	return &RedisMutex{client: client, key: key, ttl: ttl, logger: logger}
}

// TryLock makes one attempt. It returns the token on success.
func (m *RedisMutex) TryLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key, token, m.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring %s: %w", m.key, err)
	}
	return token, ok, nil
}

// Lock blocks until the section is entered or ctx is done.
func (m *RedisMutex) Lock(ctx context.Context) (func(), error) {
	wait := retryMin
	for {
		token, ok, err := m.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return m.hold(token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, retryMax)
	}
}

// hold keeps the key alive until the returned unlock is called.
func (m *RedisMutex) hold(token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(m.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.ttl/3)
				n, err := refreshScript.Run(ctx, m.client, []string{m.key}, token, m.ttl.Milliseconds()).Int()
				cancel()
				if err != nil || n == 0 {
					m.logger.Warn("store lock refresh failed", "key", m.key, "error", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := releaseScript.Run(ctx, m.client, []string{m.key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			m.logger.Warn("store lock release failed", "key", m.key, "error", err)
		}
	}
}
