package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseLost is returned when the distributed lease expired or was taken over before release.
	ErrLeaseLost = errors.New("keylock: lease lost")

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOptions tunes the distributed lease.
type RedisOptions struct {
	Prefix    string
	LeaseTTL  time.Duration
	RetryWait time.Duration
}

// Redis serializes across processes. Contenders in the same process are ordered by an embedded Local
// serializer, so only one goroutine per process competes for the Redis lease of a key.
type Redis struct {
	local  *Local
	client redis.UniversalClient
	opts   RedisOptions
	logger *slog.Logger
}

// NewRedis creates a lease-based serializer on top of client.
func NewRedis(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "conveyor:lock:"
	}

	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}

	if opts.RetryWait <= 0 {
		opts.RetryWait = 50 * time.Millisecond
	}

	return &Redis{
		local:  NewLocal(logger),
		client: client,
		opts:   opts,
		logger: logger.With("module", "keylock_redis"),
	}
}

// RunExclusive holds the Redis lease for key while fn runs. The lease is renewed every third of its TTL and
// released on return, panic included. fn's context is cancelled if renewal finds the lease gone.
func (r *Redis) RunExclusive(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	return r.local.RunExclusive(ctx, key, func(ctx context.Context) error {
		name := r.opts.Prefix + key.String()
		token := uuid.NewString()

		if err := r.obtain(ctx, name, token); err != nil {
			return err
		}

		leaseCtx, cancel := context.WithCancelCause(ctx)
		done := make(chan struct{})

		go r.renew(leaseCtx, cancel, name, token, done)

		defer func() {
			close(done)
			cancel(nil)
			r.release(context.WithoutCancel(ctx), name, token)
		}()

		err := fn(leaseCtx)
		if err == nil && errors.Is(context.Cause(leaseCtx), ErrLeaseLost) {
			return ErrLeaseLost
		}

		return err
	})
}

func (r *Redis) obtain(ctx context.Context, name, token string) error {
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.opts.LeaseTTL).Result()
		if err != nil {
			return fmt.Errorf("keylock: obtain %s: %w", name, err)
		}

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.RetryWait):
		}
	}
}

func (r *Redis) renew(ctx context.Context, cancel context.CancelCauseFunc, name, token string, done <-chan struct{}) {
	ticker := time.NewTicker(r.opts.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, r.client, []string{name}, token, r.opts.LeaseTTL.Milliseconds()).Int()
			if err != nil {
				r.logger.WarnContext(ctx, "Failed to renew lease", "key", name, "error", err)

				continue
			}

			if n == 0 {
				r.logger.ErrorContext(ctx, "Lease lost", "key", name)
				cancel(ErrLeaseLost)

				return
			}
		}
	}
}

func (r *Redis) release(ctx context.Context, name, token string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
		r.logger.WarnContext(ctx, "Failed to release lease", "key", name, "error", err)
	}
}
