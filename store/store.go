// Package store defines the byte-level key/value stores that back featcache
// mappings: a durable on-disk mirror (SQLite) and shared mappings visible to
// several workers (BigCache in-process, Redis across processes).
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the bytes previously passed to SetMany for a key. Value encoding is owned by
// the caller.
//
// Stores never evict on their own. Multi-key writes are NOT atomic unless an
// implementation says otherwise: concurrent writers may interleave key by key.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store: closed")

// Item is one key/value pair handed to SetMany.
type Item struct {
	Key   string
	Value []byte
}

// Store is a minimal unbounded byte store.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetMany writes items in order, overwriting existing keys.
	SetMany(ctx context.Context, items []Item) error

	// Range calls fn for every stored pair. Iteration stops at the first
	// error returned by fn. fn must not call back into the store.
	Range(ctx context.Context, fn func(key string, value []byte) error) error

	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)

	// Sync flushes buffered writes to durable storage (no-op where not applicable).
	Sync(ctx context.Context) error

	// Reset removes every key.
	Reset(ctx context.Context) error

	// Close releases resources. Safe to call multiple times.
	Close(ctx context.Context) error
}
