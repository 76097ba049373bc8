package featcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unkn0wn-root/featcache/keyer"
)

// core implements the Backend operations shared by every variant on top of
// a mapping. Variants own Clear and Close.
type core struct {
	name    string
	jobs    int
	verbose bool
	keyer   *keyer.Keyer
	log     Logger
	hooks   Hooks

	mu     sync.RWMutex // guards m and closed; Clear may swap m
	m      mapping
	closed bool
}

// init fills c in place; core holds a lock and is never copied.
func (c *core) init(name string, jobs int, verbose bool, k *keyer.Keyer, log Logger, hooks Hooks, m mapping) {
	if k == nil {
		k = keyer.Default()
	}
	c.name = name
	c.jobs = jobsOrDefault(jobs)
	c.verbose = verbose
	c.keyer = k
	c.log = coalesce[Logger](log, NopLogger{})
	c.hooks = coalesce[Hooks](hooks, NopHooks{})
	c.m = m
}

func (c *core) Name() string { return c.name }

// Keyer returns the key derivation used by this cache.
func (c *core) Keyer() *keyer.Keyer { return c.keyer }

func (c *core) live() (mapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.m, nil
}

func (c *core) Contains(ctx context.Context, obj string) (bool, error) {
	_, ok, err := c.Get(ctx, obj)
	return ok, err
}

func (c *core) Get(ctx context.Context, obj string) (Vector, bool, error) {
	m, err := c.live()
	if err != nil {
		return nil, false, err
	}
	return m.get(ctx, c.keyer.Derive(obj))
}

func (c *core) Lookup(ctx context.Context, obj string) (Vector, error) {
	m, err := c.live()
	if err != nil {
		return nil, err
	}
	key := c.keyer.Derive(obj)
	v, ok, err := m.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &KeyError{Object: obj, Key: key}
	}
	return v, nil
}

func (c *core) Set(ctx context.Context, obj string, v Vector) error {
	return c.Update(ctx, map[string]Vector{obj: v})
}

// Update derives a key per raw object and writes the batch in sorted object
// order, then syncs.
func (c *core) Update(ctx context.Context, batch map[string]Vector) error {
	m, err := c.live()
	if err != nil {
		return err
	}
	objs := make([]string, 0, len(batch))
	for o := range batch {
		objs = append(objs, o)
	}
	sort.Strings(objs)
	entries := make([]Entry, len(objs))
	for i, o := range objs {
		entries[i] = Entry{Key: c.keyer.Derive(o), Value: batch[o]}
	}
	return c.write(ctx, m, entries)
}

// putDerived writes entries whose keys are already derived.
func (c *core) putDerived(ctx context.Context, entries []Entry) error {
	m, err := c.live()
	if err != nil {
		return err
	}
	return c.write(ctx, m, entries)
}

func (c *core) write(ctx context.Context, m mapping, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := m.put(ctx, entries); err != nil {
		return fmt.Errorf("featcache: %s: write %d entries: %w", c.name, len(entries), err)
	}
	return c.sync(ctx, m)
}

func (c *core) sync(ctx context.Context, m mapping) error {
	if err := m.sync(ctx); err != nil {
		c.hooks.SyncFailed(c.name, err)
		return fmt.Errorf("featcache: %s: sync: %w", c.name, err)
	}
	return nil
}

func (c *core) Keys(ctx context.Context) ([]string, error) {
	items, err := c.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out, nil
}

func (c *core) Values(ctx context.Context) ([]Vector, error) {
	items, err := c.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Vector, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out, nil
}

func (c *core) Items(ctx context.Context) ([]Entry, error) {
	m, err := c.live()
	if err != nil {
		return nil, err
	}
	return m.entries(ctx)
}

func (c *core) Len(ctx context.Context) (int, error) {
	m, err := c.live()
	if err != nil {
		return 0, err
	}
	return m.size(ctx)
}

func (c *core) Fetch(ctx context.Context, objs []string) ([]Vector, error) {
	m, err := c.live()
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, m, objs)
}

func (c *core) fetch(ctx context.Context, m mapping, objs []string) ([]Vector, error) {
	keys, err := c.keyer.DeriveAll(ctx, objs, c.jobs)
	if err != nil {
		return nil, err
	}
	out := make([]Vector, len(keys))
	for i, k := range keys {
		v, ok, err := m.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = v
		}
	}
	return out, nil
}

// Compute featurizes the objects whose keys are not stored yet, in a single
// call, stores the results and returns one value per input object.
func (c *core) Compute(ctx context.Context, objs []string, f Featurizer, opts ...ComputeOption) ([]Vector, error) {
	m, err := c.live()
	if err != nil {
		return nil, err
	}
	cfg := computeConfig{cast: true}
	for _, o := range opts {
		o(&cfg)
	}

	keys, err := c.keyer.DeriveAll(ctx, objs, c.jobs)
	if err != nil {
		return nil, err
	}

	// unseen keys in input order; a key repeated in the batch is featurized once
	var pendKeys, pendObjs []string
	queued := make(map[string]struct{})
	for i, k := range keys {
		if _, dup := queued[k]; dup {
			continue
		}
		_, ok, err := m.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		queued[k] = struct{}{}
		pendKeys = append(pendKeys, k)
		pendObjs = append(pendObjs, objs[i])
	}

	if len(pendObjs) > 0 {
		vals, err := f.Featurize(ctx, pendObjs, cfg.featOpts)
		if err != nil {
			c.hooks.FeaturizerFailed(c.name, len(pendObjs), err)
			return nil, fmt.Errorf("featcache: %s: featurize %d objects: %w", c.name, len(pendObjs), err)
		}
		if len(vals) != len(pendObjs) {
			err := fmt.Errorf("%w: got %d for %d objects", ErrFeaturizerLength, len(vals), len(pendObjs))
			c.hooks.FeaturizerFailed(c.name, len(pendObjs), err)
			return nil, err
		}
		cast := func(v Vector) Vector { return v }
		if t, ok := f.(Typed); ok && cfg.cast {
			cast = t.DType().Cast
		}
		entries := make([]Entry, len(pendKeys))
		for i, k := range pendKeys {
			entries[i] = Entry{Key: k, Value: cast(vals[i])}
		}
		if err := m.put(ctx, entries); err != nil {
			return nil, fmt.Errorf("featcache: %s: write %d entries: %w", c.name, len(entries), err)
		}
	}
	if err := c.sync(ctx, m); err != nil {
		return nil, err
	}

	c.hooks.BatchServed(c.name, len(objs), len(pendObjs))
	c.log.Debug("compute batch", Fields{"cache": c.name, "requested": len(objs), "computed": len(pendObjs)})
	if c.verbose {
		c.log.Info("compute batch", Fields{"cache": c.name, "hits": len(objs) - len(pendObjs), "computed": len(pendObjs)})
	}

	// second full pass over the original inputs
	return c.fetch(ctx, m, objs)
}

