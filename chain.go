package featcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/unkn0wn-root/featcache/internal/util"
)

// Sharder picks the one member that absorbs a write batch. objs is the
// batch's raw objects in sorted order; n > 0 is the member count.
type Sharder interface {
	Pick(objs []string, n int) int
}

// RandomSharder picks a member uniformly at random for every batch.
type RandomSharder struct{}

func (RandomSharder) Pick(_ []string, n int) int { return rand.IntN(n) }

// HashSharder routes a batch by a digest of its objects, so the same batch
// always lands on the same member.
type HashSharder struct{}

func (HashSharder) Pick(objs []string, n int) int {
	return int(util.BatchDigest(objs) % uint64(n))
}

type ChainOptions struct {
	Name    string  // "" => "chain"
	Sharder Sharder // nil => RandomSharder
	Logger  Logger
	Hooks   Hooks
}

// Chain layers several backends into one logical cache. Reads probe members
// in order and the first hit wins. Writes go to exactly one member chosen by
// the Sharder; nothing is replicated. A key can therefore be shadowed by an
// earlier member, and clearing one member can make reads inconsistent; the
// chain does not reconcile this.
type Chain struct {
	name    string
	members []Backend
	sharder Sharder
	log     Logger
	hooks   Hooks
}

var _ Backend = (*Chain)(nil)

func NewChain(opts ChainOptions, members ...Backend) (*Chain, error) {
	if len(members) == 0 {
		return nil, ErrEmptyChain
	}
	for i, m := range members {
		if m == nil {
			return nil, &ConfigError{Field: "member", Value: fmt.Sprint(i), Err: errors.New("nil backend")}
		}
	}
	return &Chain{
		name:    coalesce(opts.Name, "chain"),
		members: append([]Backend(nil), members...),
		sharder: coalesce[Sharder](opts.Sharder, RandomSharder{}),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
	}, nil
}

func (c *Chain) Name() string { return c.name }

// Members returns the chain's backends in probe order.
func (c *Chain) Members() []Backend { return append([]Backend(nil), c.members...) }

func (c *Chain) Contains(ctx context.Context, obj string) (bool, error) {
	for _, m := range c.members {
		ok, err := m.Contains(ctx, obj)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Chain) Get(ctx context.Context, obj string) (Vector, bool, error) {
	for _, m := range c.members {
		v, ok, err := m.Get(ctx, obj)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (c *Chain) Lookup(ctx context.Context, obj string) (Vector, error) {
	v, ok, err := c.Get(ctx, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &KeyError{Object: obj}
	}
	return v, nil
}

func (c *Chain) Set(ctx context.Context, obj string, v Vector) error {
	return c.Update(ctx, map[string]Vector{obj: v})
}

func (c *Chain) Update(ctx context.Context, batch map[string]Vector) error {
	if len(batch) == 0 {
		return nil
	}
	objs := make([]string, 0, len(batch))
	for o := range batch {
		objs = append(objs, o)
	}
	sort.Strings(objs)
	i := c.sharder.Pick(objs, len(c.members))
	if i < 0 || i >= len(c.members) {
		return fmt.Errorf("featcache: %s: sharder picked member %d of %d", c.name, i, len(c.members))
	}
	m := c.members[i]
	c.hooks.ShardWrite(m.Name(), len(batch))
	c.log.Debug("chain write", Fields{"chain": c.name, "member": m.Name(), "n": len(batch)})
	return m.Update(ctx, batch)
}

func (c *Chain) Keys(ctx context.Context) ([]string, error) {
	var out []string
	for _, m := range c.members {
		ks, err := m.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ks...)
	}
	return out, nil
}

func (c *Chain) Values(ctx context.Context) ([]Vector, error) {
	var out []Vector
	for _, m := range c.members {
		vs, err := m.Values(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func (c *Chain) Items(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for _, m := range c.members {
		es, err := m.Items(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// Len sums member sizes; a key held by two members counts twice.
func (c *Chain) Len(ctx context.Context) (int, error) {
	n := 0
	for _, m := range c.members {
		k, err := m.Len(ctx)
		if err != nil {
			return 0, err
		}
		n += k
	}
	return n, nil
}

// Compute always fails: a chain cannot tell which member should absorb new
// values.
func (c *Chain) Compute(context.Context, []string, Featurizer, ...ComputeOption) ([]Vector, error) {
	return nil, fmt.Errorf("%w: compute on chain %s", ErrUnsupported, c.name)
}

func (c *Chain) Fetch(ctx context.Context, objs []string) ([]Vector, error) {
	out := make([]Vector, len(objs))
	for i, o := range objs {
		v, _, err := c.Get(ctx, o)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Clear clears every member and reports all failures together.
func (c *Chain) Clear(ctx context.Context, delete bool) error {
	var errs []error
	for _, m := range c.members {
		if err := m.Clear(ctx, delete); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) Close(ctx context.Context) error {
	var errs []error
	for _, m := range c.members {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}
