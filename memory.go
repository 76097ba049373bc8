package featcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/featcache/codec"
	"github.com/unkn0wn-root/featcache/internal/util"
	"github.com/unkn0wn-root/featcache/keyer"
	"github.com/unkn0wn-root/featcache/store"
)

// maxContainerBytes bounds a container read by LoadMemory.
const maxContainerBytes = 1 << 30

// MemoryOptions configure NewMemory. Only zero values are needed for a
// purely in-memory cache that clears itself on Close.
type MemoryOptions struct {
	Name    string // "" => random uuid
	Jobs    int    // key derivation parallelism; <= 0 => all cores
	Verbose bool
	Keyer   *keyer.Keyer // nil => keyer.Default()

	// Path enables the durable mirror (SQLite file). AutoPath picks
	// <UserCacheDir>/featcache/precomputed/<name>_<uuid8>.db when Path is empty.
	Path     string
	AutoPath bool
	// Codec encodes values in the durable mirror; nil => msgpack.
	Codec codec.Codec[Vector]

	// Close clears the cache unless PreserveOnExit is set. DeleteOnExit makes
	// that clear remove the mirror files too.
	PreserveOnExit bool
	DeleteOnExit   bool

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// MemoryCache is a process-local cache with an optional durable mirror.
// The mirror assumes a single writer; sharing one Path between processes is
// unsupported.
type MemoryCache struct {
	core

	path         string // "" when not durable; guarded by core.mu
	codec        codec.Codec[Vector]
	clearOnExit  bool
	deleteOnExit bool

	closeOnce sync.Once
	closeErr  error
}

var _ Backend = (*MemoryCache)(nil)

func NewMemory(ctx context.Context, opts MemoryOptions) (*MemoryCache, error) {
	c := &MemoryCache{
		codec:        coalesce[codec.Codec[Vector]](opts.Codec, codec.Msgpack[Vector]{}),
		clearOnExit:  !opts.PreserveOnExit,
		deleteOnExit: opts.DeleteOnExit,
	}
	name := coalesce(opts.Name, uuid.NewString())

	path := opts.Path
	if path == "" && opts.AutoPath {
		p, err := util.DefaultCachePath(name)
		if err != nil {
			return nil, &ConfigError{Field: "path", Err: err}
		}
		path = p
	}

	var m mapping = newLocalMap()
	if path != "" {
		mm, err := c.openMirror(ctx, path)
		if err != nil {
			return nil, err
		}
		m = mm
		c.path = path
	}
	c.init(name, opts.Jobs, opts.Verbose, opts.Keyer, opts.Logger, opts.Hooks, m)
	c.log.Debug("memory cache opened", Fields{"cache": name, "path": path})
	return c, nil
}

// openMirror opens path, creating its parent directory, and hydrates a fresh
// local map from the rows already stored there.
func (c *MemoryCache) openMirror(ctx context.Context, path string) (*mirrorMap, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("featcache: create cache dir: %w", err)
	}
	disk, err := store.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("featcache: open mirror %s: %w", path, err)
	}
	mm := &mirrorMap{local: newLocalMap(), disk: disk, codec: c.codec}
	if err := mm.hydrate(ctx); err != nil {
		_ = disk.Close(ctx)
		return nil, err
	}
	return mm, nil
}

// Path returns the durable mirror file, or "" when the cache is memory only.
func (c *MemoryCache) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Clear empties the cache. With a durable mirror, the store is closed and
// either reopened empty at the same path or, with delete, removed from disk
// together with its side files; the cache is then memory only.
func (c *MemoryCache) Clear(ctx context.Context, delete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.clearLocked(ctx, delete)
}

func (c *MemoryCache) clearLocked(ctx context.Context, delete bool) error {
	if err := c.m.reset(ctx); err != nil {
		return fmt.Errorf("featcache: %s: clear: %w", c.name, err)
	}
	mm, ok := c.m.(*mirrorMap)
	if !ok {
		return nil
	}
	if err := mm.disk.Close(ctx); err != nil {
		c.hooks.TeardownFailed(c.name, c.path, err)
	}
	c.m = mm.local
	if delete {
		c.removeFiles()
		c.path = ""
		return nil
	}
	reopened, err := c.openMirror(ctx, c.path)
	if err != nil {
		// stay usable in memory
		c.path = ""
		return err
	}
	c.m = reopened
	return nil
}

// removeFiles deletes <path>* (database, -wal, -shm). Failures are reported
// to hooks and otherwise ignored.
func (c *MemoryCache) removeFiles() {
	matches, err := filepath.Glob(globEscape(c.path) + "*")
	if err != nil {
		c.hooks.TeardownFailed(c.name, c.path, err)
		return
	}
	for _, p := range matches {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.hooks.TeardownFailed(c.name, p, err)
			c.log.Warn("remove cache file", Fields{"cache": c.name, "path": p, "err": err})
		}
	}
}

// Close applies the exit policy once and releases the mirror. Every later
// call on the cache fails with ErrClosed.
func (c *MemoryCache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.clearOnExit {
			if err := c.clearLocked(ctx, c.deleteOnExit); err != nil {
				c.closeErr = err
			}
		}
		c.closed = true
		if err := c.m.close(ctx); err != nil && !errors.Is(err, store.ErrClosed) {
			c.hooks.TeardownFailed(c.name, c.path, err)
			c.closeErr = errors.Join(c.closeErr, err)
		}
	})
	return c.closeErr
}

// Import writes entries whose keys are already derived, such as the Items
// of another cache built with the same keyer.
func (c *MemoryCache) Import(ctx context.Context, entries []Entry) error {
	return c.putDerived(ctx, entries)
}

// memoryContainer is the SaveToFile layout.
type memoryContainer struct {
	Name         string               `msgpack:"name"`
	Jobs         int                  `msgpack:"n_jobs"`
	Verbose      bool                 `msgpack:"verbose"`
	Keyer        keyer.State          `msgpack:"keyer"`
	CacheFile    bool                 `msgpack:"cache_file"`
	DeleteOnExit bool                 `msgpack:"delete_on_exit"`
	ClearOnExit  bool                 `msgpack:"clear_on_exit"`
	Data         map[string][]float64 `msgpack:"data"`
}

var containerCodec = codec.LimitCodec[memoryContainer]{
	Inner:     codec.Msgpack[memoryContainer]{SortKeys: true},
	MaxDecode: maxContainerBytes,
}

// SaveToFile writes configuration and every entry into one msgpack container.
// Caches built with keyer.FromFunc cannot be saved.
func (c *MemoryCache) SaveToFile(ctx context.Context, path string) error {
	st, err := c.keyer.State()
	if err != nil {
		return fmt.Errorf("featcache: %s: save: %w", c.name, err)
	}
	items, err := c.Items(ctx)
	if err != nil {
		return err
	}
	mc := memoryContainer{
		Name:         c.name,
		Jobs:         c.jobs,
		Verbose:      c.verbose,
		Keyer:        st,
		CacheFile:    c.Path() != "",
		DeleteOnExit: c.deleteOnExit,
		ClearOnExit:  c.clearOnExit,
		Data:         make(map[string][]float64, len(items)),
	}
	for _, it := range items {
		mc.Data[it.Key] = it.Value
	}
	b, err := containerCodec.Encode(mc)
	if err != nil {
		return fmt.Errorf("featcache: %s: encode container: %w", c.name, err)
	}
	return writeFile(path, b)
}

// LoadMemory rebuilds a MemoryCache from a SaveToFile container. override,
// when non-nil, may adjust the options before construction. A container saved
// with a durable mirror is restored with AutoPath.
func LoadMemory(ctx context.Context, path string, override func(*MemoryOptions)) (*MemoryCache, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("featcache: load %s: %w", path, err)
	}
	mc, err := containerCodec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("featcache: decode container %s: %w", path, err)
	}
	k, err := keyer.FromState(mc.Keyer)
	if err != nil {
		return nil, &ConfigError{Field: "keyer", Value: mc.Keyer.Strategy, Err: err}
	}
	opts := MemoryOptions{
		Name:           mc.Name,
		Jobs:           mc.Jobs,
		Verbose:        mc.Verbose,
		Keyer:          k,
		AutoPath:       mc.CacheFile,
		DeleteOnExit:   mc.DeleteOnExit,
		PreserveOnExit: !mc.ClearOnExit,
	}
	if override != nil {
		override(&opts)
	}
	c, err := NewMemory(ctx, opts)
	if err != nil {
		return nil, err
	}
	// stored keys are already derived; replay them as is
	if err := c.putDerived(ctx, sortedEntries(mc.Data)); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func sortedEntries(data map[string][]float64) []Entry {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = Entry{Key: k, Value: Vector(data[k])}
	}
	return out
}

func writeFile(path string, b []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("featcache: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("featcache: write %s: %w", path, err)
	}
	return nil
}

// globEscape quotes glob metacharacters in a literal path.
func globEscape(p string) string {
	var out []rune
	for _, r := range p {
		switch r {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
