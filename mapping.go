package featcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/featcache/codec"
	"github.com/unkn0wn-root/featcache/internal/wire"
	"github.com/unkn0wn-root/featcache/store"
)

// mapping is the resident key -> value view a backend computes against.
// Keys are already derived.
type mapping interface {
	get(ctx context.Context, key string) (Vector, bool, error)
	put(ctx context.Context, entries []Entry) error
	entries(ctx context.Context) ([]Entry, error)
	size(ctx context.Context) (int, error)
	sync(ctx context.Context) error
	reset(ctx context.Context) error
	close(ctx context.Context) error
}

// localMap is a process-local mapping that remembers insertion order.
type localMap struct {
	mu    sync.RWMutex
	m     map[string]Vector
	order []string
}

func newLocalMap() *localMap {
	return &localMap{m: make(map[string]Vector)}
}

func (l *localMap) get(_ context.Context, key string) (Vector, bool, error) {
	l.mu.RLock()
	v, ok := l.m[key]
	l.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return v.clone(), true, nil
}

func (l *localMap) put(_ context.Context, entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if _, ok := l.m[e.Key]; !ok {
			l.order = append(l.order, e.Key)
		}
		l.m[e.Key] = e.Value.clone()
	}
	return nil
}

func (l *localMap) entries(context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, Entry{Key: k, Value: l.m[k].clone()})
	}
	return out, nil
}

func (l *localMap) size(context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m), nil
}

func (l *localMap) sync(context.Context) error { return nil }

func (l *localMap) reset(context.Context) error {
	l.mu.Lock()
	l.m = make(map[string]Vector)
	l.order = nil
	l.mu.Unlock()
	return nil
}

func (l *localMap) close(context.Context) error { return nil }

// storeMap keeps its entries in a byte store shared with other workers.
// It holds no local state.
type storeMap struct {
	st    store.Store
	codec codec.Codec[Vector]
}

func (s *storeMap) get(ctx context.Context, key string) (Vector, bool, error) {
	b, ok, err := s.st.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := s.codec.Decode(b)
	if err != nil {
		return nil, false, fmt.Errorf("featcache: decode %q: %w", key, err)
	}
	return v, true, nil
}

func (s *storeMap) put(ctx context.Context, entries []Entry) error {
	items, err := encodeItems(s.codec, entries)
	if err != nil {
		return err
	}
	return s.st.SetMany(ctx, items)
}

func (s *storeMap) entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.st.Range(ctx, func(k string, b []byte) error {
		v, err := s.codec.Decode(b)
		if err != nil {
			return fmt.Errorf("featcache: decode %q: %w", k, err)
		}
		out = append(out, Entry{Key: k, Value: v})
		return nil
	})
	return out, err
}

func (s *storeMap) size(ctx context.Context) (int, error) { return s.st.Len(ctx) }
func (s *storeMap) sync(ctx context.Context) error        { return s.st.Sync(ctx) }
func (s *storeMap) reset(ctx context.Context) error       { return s.st.Reset(ctx) }
func (s *storeMap) close(ctx context.Context) error       { return s.st.Close(ctx) }

// mirrorMap serves reads from local and writes through to a durable store.
type mirrorMap struct {
	local *localMap
	disk  *store.SQLite
	codec codec.Codec[Vector]
}

func (m *mirrorMap) get(ctx context.Context, key string) (Vector, bool, error) {
	return m.local.get(ctx, key)
}

func (m *mirrorMap) put(ctx context.Context, entries []Entry) error {
	if err := m.local.put(ctx, entries); err != nil {
		return err
	}
	items, err := encodeItems(m.codec, entries)
	if err != nil {
		return err
	}
	return m.disk.SetMany(ctx, items)
}

func (m *mirrorMap) entries(ctx context.Context) ([]Entry, error) { return m.local.entries(ctx) }
func (m *mirrorMap) size(ctx context.Context) (int, error)        { return m.local.size(ctx) }
func (m *mirrorMap) sync(ctx context.Context) error               { return m.disk.Sync(ctx) }

func (m *mirrorMap) reset(ctx context.Context) error {
	_ = m.local.reset(ctx)
	return m.disk.Reset(ctx)
}

func (m *mirrorMap) close(ctx context.Context) error { return m.disk.Close(ctx) }

// hydrate loads every durable row into local, in stored order.
func (m *mirrorMap) hydrate(ctx context.Context) error {
	var batch []Entry
	err := m.disk.Range(ctx, func(k string, b []byte) error {
		v, err := m.codec.Decode(b)
		if err != nil {
			return fmt.Errorf("featcache: decode %q from %s: %w", k, m.disk.Path(), err)
		}
		batch = append(batch, Entry{Key: k, Value: v})
		return nil
	})
	if err != nil {
		return err
	}
	return m.local.put(ctx, batch)
}

func encodeItems(c codec.Codec[Vector], entries []Entry) ([]store.Item, error) {
	items := make([]store.Item, len(entries))
	for i, e := range entries {
		b, err := c.Encode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("featcache: encode %q: %w", e.Key, err)
		}
		items[i] = store.Item{Key: e.Key, Value: b}
	}
	return items, nil
}

// wireCodec frames vectors with internal/wire. It is exact for every float64
// bit pattern, NaN payloads included.
type wireCodec struct{}

var _ codec.Codec[Vector] = wireCodec{}

func (wireCodec) Encode(v Vector) ([]byte, error) { return wire.EncodeVector(0, v), nil }

func (wireCodec) Decode(b []byte) (Vector, error) {
	_, v, err := wire.DecodeVector(b)
	if err != nil {
		return nil, err
	}
	return Vector(v), nil
}
