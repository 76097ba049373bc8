// Package keyer turns domain records into cache keys.
//
// A Keyer is built either from a named strategy of the closed registry
// (persistable through State/FromState) or from an arbitrary function
// (usable, but State fails with ErrUnnamed).
package keyer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

const (
	UniqueID  = "unique_id"
	SHA256    = "sha256"
	Canonical = "canonical"

	// DefaultStrategy is used when no name is given.
	DefaultStrategy = UniqueID
)

var (
	ErrUnknownStrategy = errors.New("keyer: unknown strategy")
	ErrUnnamed         = errors.New("keyer: strategy was supplied as a function and cannot be serialized")
)

// HashFunc maps a normalized, validated record to its key.
type HashFunc func(record string) string

// Validator reports whether a record is well-formed. Records that fail are
// used as their own key.
type Validator func(record string) bool

var registry = map[string]HashFunc{
	UniqueID: func(r string) string {
		return fmt.Sprintf("%016x", xxhash.Sum64String(r))
	},
	SHA256: func(r string) string {
		sum := sha256.Sum256([]byte(r))
		return hex.EncodeToString(sum[:])
	},
	Canonical: func(r string) string { return r },
}

// Strategies returns the registry names, sorted.
func Strategies() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// State is the serialized form of a named Keyer.
type State struct {
	Strategy string `json:"hash_name" msgpack:"hash_name" cbor:"hash_name" yaml:"hash_name"`
}

type Keyer struct {
	name     string // empty for ad hoc functions
	fn       HashFunc
	validate Validator
}

type Option func(*Keyer)

// WithValidator replaces WellFormed.
func WithValidator(v Validator) Option {
	return func(k *Keyer) {
		if v != nil {
			k.validate = v
		}
	}
}

// New resolves name from the registry. An empty name selects DefaultStrategy.
func New(name string, opts ...Option) (*Keyer, error) {
	if name == "" {
		name = DefaultStrategy
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnknownStrategy, name, strings.Join(Strategies(), ", "))
	}
	k := &Keyer{name: name, fn: fn, validate: WellFormed}
	for _, o := range opts {
		o(k)
	}
	return k, nil
}

// FromFunc wraps an ad hoc hash function. A nil fn falls back to DefaultStrategy.
func FromFunc(fn HashFunc, opts ...Option) *Keyer {
	if fn == nil {
		k, _ := New(DefaultStrategy, opts...)
		return k
	}
	k := &Keyer{fn: fn, validate: WellFormed}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Default returns a Keyer for DefaultStrategy.
func Default() *Keyer {
	k, _ := New(DefaultStrategy)
	return k
}

// Name is the registry name, or "" for function-backed keyers.
func (k *Keyer) Name() string { return k.name }

// Derive returns the key for record. Records rejected by the validator come
// back unchanged.
func (k *Keyer) Derive(record string) string {
	norm := strings.TrimSpace(record)
	if !k.validate(norm) {
		return record
	}
	return k.fn(norm)
}

// DeriveAll derives keys for records using up to jobs goroutines
// (jobs <= 0 means runtime.NumCPU()). Output order matches input order.
func (k *Keyer) DeriveAll(ctx context.Context, records []string, jobs int) ([]string, error) {
	out := make([]string, len(records))
	if len(records) == 0 {
		return out, nil
	}
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if jobs > len(records) {
		jobs = len(records)
	}
	if jobs == 1 {
		for i, r := range records {
			out[i] = k.Derive(r)
		}
		return out, ctx.Err()
	}

	// contiguous chunks, one per worker; each writes only its own range
	chunk := (len(records) + jobs - 1) / jobs
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for start := 0; start < len(records); start += chunk {
		lo, hi := start, min(start+chunk, len(records))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[i] = k.Derive(records[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// State captures the strategy name; fails with ErrUnnamed for FromFunc keyers.
func (k *Keyer) State() (State, error) {
	if k.name == "" {
		return State{}, ErrUnnamed
	}
	return State{Strategy: k.name}, nil
}

// FromState rebuilds a Keyer from the registry.
func FromState(s State, opts ...Option) (*Keyer, error) {
	if s.Strategy == "" {
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, s.Strategy)
	}
	return New(s.Strategy, opts...)
}

// WellFormed accepts non-empty printable ASCII records without whitespace.
func WellFormed(record string) bool {
	if record == "" {
		return false
	}
	for i := 0; i < len(record); i++ {
		c := record[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

func (k *Keyer) String() string {
	if k.name == "" {
		return "keyer(func)"
	}
	return "keyer(" + strconv.Quote(k.name) + ")"
}
