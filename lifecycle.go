package featcache

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Closer is anything with a context-aware Close; every Backend is one.
type Closer interface {
	Close(ctx context.Context) error
}

// shutdownList is the process-wide opt-in release list. Caches are normally
// closed by their owner (defer c.Close(ctx)); this only covers owners that
// prefer to release on process shutdown.
var shutdownList struct {
	mu      sync.Mutex
	closers []Closer
}

// ReleaseOnShutdown adds closers to the list released by Shutdown.
func ReleaseOnShutdown(closers ...Closer) {
	shutdownList.mu.Lock()
	defer shutdownList.mu.Unlock()
	for _, c := range closers {
		if c != nil {
			shutdownList.closers = append(shutdownList.closers, c)
		}
	}
}

// Shutdown closes every registered closer, most recent first, and empties the
// list, so a second call is a no-op. Close itself runs at most once per cache.
func Shutdown(ctx context.Context) error {
	shutdownList.mu.Lock()
	list := shutdownList.closers
	shutdownList.closers = nil
	shutdownList.mu.Unlock()

	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyShutdown runs Shutdown once the process receives one of signals
// (SIGINT and SIGTERM when none are given) or ctx is done. The returned stop
// function detaches the handler without releasing anything.
func NotifyShutdown(ctx context.Context, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	sctx, cancel := signal.NotifyContext(ctx, signals...)
	done := make(chan struct{})
	go func() {
		select {
		case <-sctx.Done():
			select {
			case <-done: // stopped, not signalled
				return
			default:
			}
			_ = Shutdown(context.WithoutCancel(ctx))
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}
}
