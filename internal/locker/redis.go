package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"jobfeed/internal/domain"
)

// releaseScript deletes the lock only if this process still owns it, so a
// lock that expired and was re-acquired elsewhere is never released out
// from under the new owner.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`

// Redis holds task-name locks in a shared broker, for deployments running
// more than one worker process. The TTL bounds how long a crashed worker
// can wedge a task name.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr, password string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
		ttl: ttl,
	}
}

func (r *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	key := "jobfeed:lock:" + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	return func() {
		// release must not inherit a canceled task context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.client.Eval(rctx, releaseScript, []string{key}, token).Err()
	}, nil
}

func (r *Redis) Close() error { return r.client.Close() }
