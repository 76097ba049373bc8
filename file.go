package featcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/unkn0wn-root/featcache/keyer"
	"github.com/unkn0wn-root/featcache/store"
)

// FileOptions configure OpenFile.
type FileOptions struct {
	// Encoding of the file at path; zero => EncodingParquet.
	Encoding Encoding
	Name     string // "" => base name of path
	Jobs     int
	Verbose  bool
	Keyer    *keyer.Keyer

	// CreateIfMissing starts an empty cache when path does not exist yet;
	// otherwise a missing file is an error.
	CreateIfMissing bool
	// PreserveOnExit skips the Clear that Close performs by default.
	PreserveOnExit bool

	Logger Logger
	Hooks  Hooks
}

// FileCache serves a keys,values table read from disk at open. Writes stay
// resident until SaveToFile, except for EncodingBolt, where every write goes
// to the open file.
type FileCache struct {
	core

	path        string
	enc         Encoding
	clearOnExit bool

	closeOnce sync.Once
	closeErr  error
}

var _ Backend = (*FileCache)(nil)

// OpenFile loads the cache stored at path. Malformed content fails the open;
// an empty or header-only CSV file is an empty cache.
func OpenFile(ctx context.Context, path string, opts FileOptions) (*FileCache, error) {
	enc := coalesce(opts.Encoding, EncodingParquet)
	if !enc.valid() {
		return nil, &ConfigError{Field: "encoding", Value: enc.String(), Err: ErrUnsupportedEncoding}
	}
	if path == "" {
		return nil, &ConfigError{Field: "path", Err: errors.New("required")}
	}
	m, err := enc.load(ctx, path, opts.CreateIfMissing)
	if err != nil {
		return nil, fmt.Errorf("featcache: open %s file %s: %w", enc, path, err)
	}

	c := &FileCache{path: path, enc: enc, clearOnExit: !opts.PreserveOnExit}
	c.init(coalesce(opts.Name, filepath.Base(path)), opts.Jobs, opts.Verbose, opts.Keyer, opts.Logger, opts.Hooks, m)
	if c.verbose {
		n, _ := m.size(ctx)
		c.log.Info("file cache loaded", Fields{"cache": c.name, "path": path, "encoding": enc.String(), "entries": n})
	}
	return c, nil
}

func (c *FileCache) Path() string       { return c.path }
func (c *FileCache) Encoding() Encoding { return c.enc }

// Clear releases the file handle (EncodingBolt) and leaves an empty resident
// mapping; the file itself is untouched. delete is accepted for Backend
// compatibility and has no extra effect.
func (c *FileCache) Clear(ctx context.Context, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.clearLocked(ctx)
	return nil
}

func (c *FileCache) clearLocked(ctx context.Context) {
	if _, ok := c.m.(*boltMap); ok {
		if err := c.m.close(ctx); err != nil {
			c.hooks.TeardownFailed(c.name, c.path, err)
			c.log.Warn("close file", Fields{"cache": c.name, "path": c.path, "err": err})
		}
	}
	c.m = newLocalMap()
}

func (c *FileCache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.clearOnExit {
			c.clearLocked(ctx)
		}
		c.closed = true
		if err := c.m.close(ctx); err != nil && !errors.Is(err, store.ErrClosed) {
			c.hooks.TeardownFailed(c.name, c.path, err)
			c.closeErr = err
		}
	})
	return c.closeErr
}

// SaveToFile writes every resident entry to path in enc. An empty path or a
// zero enc falls back to the cache's own.
func (c *FileCache) SaveToFile(ctx context.Context, path string, enc Encoding) error {
	path = coalesce(path, c.path)
	enc = coalesce(enc, c.enc)
	if !enc.valid() {
		return &ConfigError{Field: "encoding", Value: enc.String(), Err: ErrUnsupportedEncoding}
	}
	m, err := c.live()
	if err != nil {
		return err
	}
	// the open hierarchical file is already up to date
	if bm, ok := m.(*boltMap); ok && enc == EncodingBolt && sameFile(path, c.path) {
		return c.sync(ctx, bm)
	}
	items, err := m.entries(ctx)
	if err != nil {
		return err
	}
	if err := enc.save(ctx, path, items); err != nil {
		return fmt.Errorf("featcache: save %s file %s: %w", enc, path, err)
	}
	c.log.Debug("file cache saved", Fields{"cache": c.name, "path": path, "encoding": enc.String(), "entries": len(items)})
	return nil
}

// ToRecord returns the resident entries as a keys,values record. With
// packBits the values column holds PackBits text instead of list<double>.
// The caller releases the record.
func (c *FileCache) ToRecord(ctx context.Context, packBits bool) (arrow.Record, error) {
	items, err := c.Items(ctx)
	if err != nil {
		return nil, err
	}
	return buildRecord(memory.DefaultAllocator, items, packBits)
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
