package featcache

import (
	"context"
	"fmt"
	"math"
)

// Vector is one stored feature value. Caches copy vectors on the way in and
// on the way out; a returned Vector may be modified freely.
type Vector []float64

func (v Vector) clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Entry is a stored pair. Key is the derived key, not the raw object.
type Entry struct {
	Key   string
	Value Vector
}

// DType is the element type a featurizer declares for its output. Values are
// still carried as float64; the cast only changes their contents.
type DType uint8

const (
	Float64 DType = iota
	Float32
	Int64
	Uint8
	Bool
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Cast returns a converted copy of v.
func (d DType) Cast(v Vector) Vector {
	out := v.clone()
	for i, x := range out {
		switch d {
		case Float32:
			out[i] = float64(float32(x))
		case Int64:
			out[i] = math.Trunc(x)
		case Uint8:
			out[i] = math.Min(255, math.Max(0, math.Trunc(x)))
		case Bool:
			if x != 0 {
				out[i] = 1
			}
		}
	}
	return out
}

// Featurizer computes one value per object, in order. It is always called
// with the whole batch of unseen objects.
type Featurizer interface {
	Featurize(ctx context.Context, objs []string, opts map[string]any) ([]Vector, error)
}

type FeaturizerFunc func(ctx context.Context, objs []string, opts map[string]any) ([]Vector, error)

func (f FeaturizerFunc) Featurize(ctx context.Context, objs []string, opts map[string]any) ([]Vector, error) {
	return f(ctx, objs, opts)
}

// Typed is implemented by featurizers that declare an output element type.
type Typed interface {
	DType() DType
}

// Backend is the map-like contract shared by every cache variant. All
// key-taking methods accept raw objects and derive the key themselves.
type Backend interface {
	Name() string

	Contains(ctx context.Context, obj string) (bool, error)
	// Get is lenient: a miss is (nil, false, nil).
	Get(ctx context.Context, obj string) (Vector, bool, error)
	// Lookup is strict: a miss is a *KeyError wrapping ErrNotFound.
	Lookup(ctx context.Context, obj string) (Vector, error)
	Set(ctx context.Context, obj string, v Vector) error
	// Update writes a batch keyed by raw objects.
	Update(ctx context.Context, batch map[string]Vector) error

	Keys(ctx context.Context) ([]string, error)
	Values(ctx context.Context) ([]Vector, error)
	Items(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)

	// Compute returns one value per object, featurizing only unseen keys.
	Compute(ctx context.Context, objs []string, f Featurizer, opts ...ComputeOption) ([]Vector, error)
	// Fetch returns one value per object; misses are nil.
	Fetch(ctx context.Context, objs []string) ([]Vector, error)

	// Clear resets the backend to empty. delete also removes backing files
	// where the variant has any.
	Clear(ctx context.Context, delete bool) error
	// Close applies the variant's exit policy and releases handles.
	Close(ctx context.Context) error
}

type computeConfig struct {
	featOpts map[string]any
	cast     bool
}

type ComputeOption func(*computeConfig)

// WithFeaturizerOptions forwards opts to every Featurize call.
func WithFeaturizerOptions(opts map[string]any) ComputeOption {
	return func(c *computeConfig) { c.featOpts = opts }
}

// WithoutCast skips the DType cast for Typed featurizers.
func WithoutCast() ComputeOption {
	return func(c *computeConfig) { c.cast = false }
}

// GetOr returns def when obj is absent from b.
func GetOr(ctx context.Context, b Backend, obj string, def Vector) (Vector, error) {
	v, ok, err := b.Get(ctx, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// ToMap snapshots b as key -> value. On a chain, earlier members win on
// duplicate keys.
func ToMap(ctx context.Context, b Backend) (map[string]Vector, error) {
	items, err := b.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Vector, len(items))
	for _, it := range items {
		if _, dup := out[it.Key]; dup {
			continue
		}
		out[it.Key] = it.Value
	}
	return out, nil
}
