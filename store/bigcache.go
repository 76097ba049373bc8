package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

// forever keeps entries past any realistic process lifetime; bigcache has no
// "never expire" switch.
const forever = 100 * 365 * 24 * time.Hour

// BigCache is an in-process shared mapping. It is safe for concurrent use by
// any number of goroutines; each key is guarded by its shard lock, so batch
// writes interleave key by key.
type BigCache struct {
	c      *bc.BigCache
	closed atomic.Bool
}

var _ Store = (*BigCache)(nil)

type BigCacheConfig struct {
	Shards       int // power of two; 0 = 1024
	MaxEntrySize int // initial allocation hint in bytes; 0 = 512
}

// NewBigCache builds an unbounded bigcache: no life window expiry, no
// cleaner, no hard size cap.
func NewBigCache(ctx context.Context, cfg BigCacheConfig) (*BigCache, error) {
	conf := bc.DefaultConfig(forever)
	conf.CleanWindow = 0
	conf.HardMaxCacheSize = 0
	conf.Verbose = false
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &BigCache{c: c}, nil
}

func (p *BigCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, ErrClosed
	}
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *BigCache) SetMany(ctx context.Context, items []Item) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.c.Set(it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *BigCache) Range(ctx context.Context, fn func(string, []byte) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	it := p.c.Iterator()
	for it.SetNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := it.Value()
		if err != nil {
			// entry removed between SetNext and Value
			continue
		}
		if err := fn(e.Key(), e.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (p *BigCache) Len(_ context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.c.Len(), nil
}

func (p *BigCache) Sync(context.Context) error { return nil }

func (p *BigCache) Reset(_ context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.c.Reset()
}

func (p *BigCache) Close(_ context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.c.Close()
}
