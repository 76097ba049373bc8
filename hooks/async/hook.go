// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{BatchEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := featcache.NewMemory(ctx, featcache.MemoryOptions{
//	    Name:  "fingerprints",
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/featcache"
)

// Hooks forwards events to inner on background workers. Events are dropped
// when the queue is full or after Close.
type Hooks struct {
	inner   featcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against send on closed channel
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

var _ featcache.Hooks = (*Hooks)(nil)

func New(inner featcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if inner == nil {
		inner = featcache.NopHooks{}
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) BatchServed(c string, r, n int) { h.try(func() { h.inner.BatchServed(c, r, n) }) }
func (h *Hooks) SyncFailed(c string, err error) { h.try(func() { h.inner.SyncFailed(c, err) }) }
func (h *Hooks) ShardWrite(m string, n int)     { h.try(func() { h.inner.ShardWrite(m, n) }) }
func (h *Hooks) FeaturizerFailed(c string, n int, err error) {
	h.try(func() { h.inner.FeaturizerFailed(c, n, err) })
}
func (h *Hooks) TeardownFailed(c, p string, err error) {
	h.try(func() { h.inner.TeardownFailed(c, p, err) })
}
