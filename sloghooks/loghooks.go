// Package sloghooks reports featcache.Hooks events through log/slog.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/featcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	BatchEvery uint64
	ShardEvery uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	batchCtr atomic.Uint64
	shardCtr atomic.Uint64
}

var _ featcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) BatchServed(cache string, requested, computed int) {
	if h.l == nil || !sample(h.opts.BatchEvery, &h.batchCtr) {
		return
	}
	h.l.Debug("featcache.batch_served",
		"cache", cache,
		"requested", requested,
		"computed", computed,
		"hits", requested-computed)
}

func (h *Hooks) FeaturizerFailed(cache string, batch int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("featcache.featurizer_failed",
		"cache", cache,
		"batch", batch,
		"err", err)
}

func (h *Hooks) SyncFailed(cache string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("featcache.sync_failed",
		"cache", cache,
		"err", err)
}

func (h *Hooks) TeardownFailed(cache, path string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("featcache.teardown_failed",
		"cache", cache,
		"path", path,
		"err", err)
}

func (h *Hooks) ShardWrite(member string, n int) {
	if h.l == nil || !sample(h.opts.ShardEvery, &h.shardCtr) {
		return
	}
	h.l.Debug("featcache.shard_write",
		"member", member,
		"n", n)
}
