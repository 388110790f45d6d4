// Package lockx provides a single-holder Redis lock for scheduled jobs that
// must not overlap across worker replicas.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// ErrLockLost is returned when the lock expired or was taken over while fn
// was running.
var ErrLockLost = errors.New("lock lost")

type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	return &Locker{client: client}, nil
}

// Run executes fn only if the lock at key can be taken. ran reports whether
// fn was invoked; a held lock is not an error. While fn runs the lock is
// extended every ttl/3; if an extension fails fn's context is cancelled and
// Run returns ErrLockLost unless fn already failed.
func (l *Locker) Run(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	watchdog := make(chan struct{})
	go func() {
		defer close(watchdog)
		interval := ttl / 3
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := extendScript.Run(runCtx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	defer func() {
		close(stop)
		<-watchdog
		lost := errors.Is(context.Cause(runCtx), ErrLockLost)
		cancel(nil)
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer relCancel()
		relErr := releaseScript.Run(relCtx, l.client, []string{key}, token).Err()
		switch {
		case err != nil:
		case lost:
			err = ErrLockLost
		case relErr != nil:
			err = relErr
		}
	}()
	return true, fn(runCtx)
}
