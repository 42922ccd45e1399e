// Package lock provides an inventory.Locker shared by several processes.
//
// The in-process inventory.KeyedMutex is enough for one server. When more
// than one server writes to the same database, stock updates for a
// material must be serialized across all of them; Redis holds those locks.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/warp/sitebook/inventory"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultWait    = 10 * time.Second
	DefaultBackoff = 25 * time.Millisecond
	defaultPrefix  = "sitebook:lock:"
)

// Redis is an inventory.Locker backed by bsm/redislock.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	prefix  string
	logger  *zap.Logger
}

type Option func(*Redis)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) Option { return func(r *Redis) { r.ttl = d } }

// WithWait bounds the wait for a key when the caller's context has no deadline.
func WithWait(d time.Duration) Option { return func(r *Redis) { r.wait = d } }

func WithPrefix(p string) Option         { return func(r *Redis) { r.prefix = p } }
func WithLogger(l *zap.Logger) Option    { return func(r *Redis) { r.logger = l } }
func WithBackoff(d time.Duration) Option { return func(r *Redis) { r.backoff = d } }

func NewRedis(rdb redislock.RedisClient, opts ...Option) *Redis {
	r := &Redis{
		client:  redislock.New(rdb),
		ttl:     DefaultTTL,
		wait:    DefaultWait,
		backoff: DefaultBackoff,
		prefix:  defaultPrefix,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, inventory.Transient("redis ping", eris.Wrapf(err, "lock: connect %s", addr))
	}
	return rdb, nil
}

// Lock obtains every key in sorted order, retrying until ctx ends.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = inventory.SortedKeys(keys)
	if len(keys) == 0 {
		return func() {}, nil
	}
	if _, ok := ctx.Deadline(); !ok && r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			r.release(held[i])
		}
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(r.backoff)}
	for _, key := range keys {
		l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, opts)
		if err != nil {
			release()
			if err == redislock.ErrNotObtained {
				return nil, inventory.Transient("lock "+key, err)
			}
			return nil, inventory.Transient("lock "+key, eris.Wrap(err, "lock: obtain"))
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// release uses its own deadline: the caller's context may already be done.
func (r *Redis) release(l *redislock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		// ErrLockNotHeld means the TTL expired while we worked.
		r.logger.Warn("release redis lock", zap.String("key", l.Key()), zap.Error(err))
	}
}

var _ inventory.Locker = (*Redis)(nil)
