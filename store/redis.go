package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis store: nil client")

const (
	defaultRedisTimeout = 5 * time.Second
	redisBatch          = 512
)

// Redis keeps one cache in a single Redis hash so that workers in separate
// processes observe each other's writes. SetMany is pipelined in chunks and
// is not atomic across chunks.
type Redis struct {
	rdb         goredis.UniversalClient
	key         string
	timeout     time.Duration
	closeClient bool
	closed      atomic.Bool
}

var _ Store = (*Redis)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Key is the hash holding the cache, e.g. "featcache:<name>". Required.
	Key string
	// Timeout bounds each round trip; 0 => 5s.
	Timeout     time.Duration
	CloseClient bool // set true only if this store exclusively owns the client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Key == "" {
		return nil, errors.New("redis store: hash key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &Redis{rdb: cfg.Client, key: cfg.Key, timeout: timeout, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.timeout)
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, ErrClosed
	}
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	b, err := p.rdb.HGet(qctx, p.key, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) SetMany(ctx context.Context, items []Item) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for start := 0; start < len(items); start += redisBatch {
		chunk := items[start:min(start+redisBatch, len(items))]
		args := make([]any, 0, 2*len(chunk))
		for _, it := range chunk {
			args = append(args, it.Key, it.Value)
		}
		qctx, cancel := p.queryCtx(ctx)
		err := p.rdb.HSet(qctx, p.key, args...).Err()
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Redis) Range(ctx context.Context, fn func(string, []byte) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var cursor uint64
	for {
		qctx, cancel := p.queryCtx(ctx)
		kv, next, err := p.rdb.HScan(qctx, p.key, cursor, "", redisBatch).Result()
		cancel()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			if err := fn(kv[i], []byte(kv[i+1])); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (p *Redis) Len(ctx context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	n, err := p.rdb.HLen(qctx, p.key).Result()
	return int(n), err
}

// Sync is a no-op; Redis persistence is configured server side.
func (p *Redis) Sync(context.Context) error { return nil }

func (p *Redis) Reset(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	return p.rdb.Del(qctx, p.key).Err()
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
