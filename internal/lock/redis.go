package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker claims keys with SET NX and a TTL. The TTL bounds how long a
// crashed holder can block a utility's write path; a live holder extends it
// every third of the TTL until Release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	extend *redis.Script
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		extend: redis.NewScript(lockExtendScript),
		ttl:    ttl,
		prefix: "utilitycost:lock:",
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Claim, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, false, errors.New("lock key is empty")
	}

	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c := &redisClaim{locker: l, key: full, token: token, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		keepAlive(renewCtx, max(l.ttl/3, time.Millisecond), c.renew)
	}()
	return c, true, nil
}

type redisClaim struct {
	locker *RedisLocker
	key    string
	token  string
	stop   context.CancelFunc
	done   chan struct{}
}

// renew pushes the key's expiry out by one TTL. It reports false once the
// key no longer carries this claim's token.
func (c *redisClaim) renew(ctx context.Context) (bool, error) {
	n, err := c.locker.extend.Run(ctx, c.locker.client, []string{c.key}, c.token, c.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *redisClaim) Release(ctx context.Context) error {
	c.stop()
	<-c.done

	n, err := c.locker.script.Run(ctx, c.locker.client, []string{c.key}, c.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// keepAlive calls renew every interval until ctx is done or renew reports the
// claim lost. Errors are retried on the next tick while the TTL still runs.
func keepAlive(ctx context.Context, interval time.Duration, renew func(context.Context) (bool, error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			held, err := renew(ctx)
			if err != nil {
				continue
			}
			if !held {
				return
			}
		}
	}
}
