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

const lockRenewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

var (
	ErrLockHeld = errors.New("lock_held")
	ErrLockLost = errors.New("lock_lost")
)

// Locker serialises work across instances with a Redis SET NX lease.
// A nil Locker runs everything unguarded, which is the single-instance setup.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	renew   *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
		renew:   redis.NewScript(lockRenewScript),
	}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if !l.Enabled() {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}

// Renew pushes the lease on key out to ttl if token still owns it.
func (l *Locker) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	if !l.Enabled() {
		return nil
	}
	n, err := l.renew.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// renewEvery is how often a held lease is refreshed.
func renewEvery(ttl time.Duration) time.Duration {
	every := ttl / 3
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	return every
}

// WithLock runs fn while holding key. It returns ErrLockHeld when another
// holder owns the lease. The lease is renewed while fn runs; if it is lost,
// fn's context is cancelled. Release uses a detached context so a cancelled
// caller still frees the key.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if !l.Enabled() {
		return fn(ctx)
	}

	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go l.keepAlive(runCtx, cancel, key, token, ttl)

	return fn(runCtx)
}

func (l *Locker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(renewEvery(ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx, key, token, ttl); errors.Is(err, ErrLockLost) {
				cancel(ErrLockLost)
				return
			}
		}
	}
}
