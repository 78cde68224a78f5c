package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive access to the dispatch cycle. Acquire returns
// ErrCycleBusy when another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLocker is used when a single dispatcher process runs. In-process
// exclusion is already provided by the dispatcher itself.
type LocalLocker struct{}

func (LocalLocker) Acquire(context.Context) (func(), error) { return func() {}, nil }

const defaultLockTTL = 2 * time.Minute

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker coordinates cycles across dispatcher replicas with a single
// Redis key. The TTL bounds how long a crashed holder blocks the others.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "dispatchd:cycle"
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, ErrCycleBusy
	}
	return func() {
		// The caller's context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{l.key}, token).Err()
	}, nil
}
