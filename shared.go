package featcache

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/featcache/codec"
	"github.com/unkn0wn-root/featcache/keyer"
	"github.com/unkn0wn-root/featcache/store"
)

// SharedOptions configure NewShared.
type SharedOptions struct {
	Name    string // "" => random uuid
	Jobs    int
	Verbose bool
	Keyer   *keyer.Keyer

	// Store holds the entries. nil => an unbounded in-process store.BigCache,
	// which is enough for goroutine workers. Use store.Redis (one hash per
	// cache name) for workers in other processes.
	Store store.Store
	// Codec encodes values in Store; nil => the internal/wire framing.
	Codec codec.Codec[Vector]

	// ClearOnExit resets the shared store on Close. Off by default so that
	// short-lived workers can come and go without wiping each other's work.
	ClearOnExit bool

	Logger Logger
	Hooks  Hooks
}

// SharedCache is a MemoryCache whose resident mapping lives in a shared
// store, so every worker holding the same store observes every other
// worker's writes. Multi-key writes are not atomic: concurrent Update or
// Compute calls interleave key by key, and two workers may both featurize a
// key that neither had seen yet. It has no durable mirror.
type SharedCache struct {
	*MemoryCache
	st store.Store
}

var _ Backend = (*SharedCache)(nil)

func NewShared(ctx context.Context, opts SharedOptions) (*SharedCache, error) {
	st := opts.Store
	if st == nil {
		bc, err := store.NewBigCache(ctx, store.BigCacheConfig{})
		if err != nil {
			return nil, fmt.Errorf("featcache: shared store: %w", err)
		}
		st = bc
	}
	name := coalesce(opts.Name, uuid.NewString())
	m := &storeMap{st: st, codec: coalesce[codec.Codec[Vector]](opts.Codec, wireCodec{})}

	mc := &MemoryCache{
		codec:       m.codec,
		clearOnExit: opts.ClearOnExit,
	}
	mc.init(name, opts.Jobs, opts.Verbose, opts.Keyer, opts.Logger, opts.Hooks, m)
	return &SharedCache{MemoryCache: mc, st: st}, nil
}

// Store exposes the shared store so that sibling caches can attach to it.
func (s *SharedCache) Store() store.Store { return s.st }

// Attach builds a sibling handle over the same store, as a worker would.
// Closing a sibling never clears or closes the shared store.
func (s *SharedCache) Attach() *SharedCache {
	mc := &MemoryCache{codec: s.codec}
	mc.init(s.name, s.jobs, s.verbose, s.keyer, s.log, s.hooks, &storeMap{st: noClose{s.st}, codec: s.codec})
	return &SharedCache{MemoryCache: mc, st: s.st}
}

// noClose shields a shared store from a sibling's Close.
type noClose struct{ store.Store }

func (noClose) Close(context.Context) error { return nil }
