package featcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by strict lookups when no member holds the key.
	ErrNotFound = errors.New("featcache: key not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("featcache: cache closed")
	// ErrUnsupported marks operations a backend refuses by contract
	// (Compute on a Chain).
	ErrUnsupported = errors.New("featcache: operation not supported")
	ErrEmptyChain  = errors.New("featcache: chain needs at least one member")

	ErrUnsupportedEncoding = errors.New("featcache: unsupported file encoding")
	ErrStateTag            = errors.New("featcache: state dict tag mismatch")
	ErrFeaturizerLength    = errors.New("featcache: featurizer returned wrong number of values")
)

// KeyError is the strict-access miss. Object is the raw object the caller
// passed; Key is its derived key (empty when the miss came from a chain,
// whose members each derive their own).
type KeyError struct {
	Object string
	Key    string
}

func (e *KeyError) Error() string {
	if e.Key == "" || e.Key == e.Object {
		return fmt.Sprintf("featcache: %q not found", e.Object)
	}
	return fmt.Sprintf("featcache: %q (key %q) not found", e.Object, e.Key)
}

func (e *KeyError) Unwrap() error { return ErrNotFound }

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("featcache: invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("featcache: invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
