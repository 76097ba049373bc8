// Package otelhooks records featcache.Hooks events as OpenTelemetry counters.
package otelhooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/featcache"
)

const (
	keyCache  = attribute.Key("featcache.cache")
	keyMember = attribute.Key("featcache.member")
)

// Hooks counts cache events. Counter names:
//
//	featcache.compute.requested   objects handed to Compute
//	featcache.compute.computed    distinct keys sent to the featurizer
//	featcache.featurizer.failures
//	featcache.sync.failures
//	featcache.teardown.failures
//	featcache.chain.writes        entries routed to a chain member
type Hooks struct {
	requested metric.Int64Counter
	computed  metric.Int64Counter
	featFail  metric.Int64Counter
	syncFail  metric.Int64Counter
	teardown  metric.Int64Counter
	shards    metric.Int64Counter
}

var _ featcache.Hooks = (*Hooks)(nil)

func New(meter metric.Meter) (*Hooks, error) {
	h := &Hooks{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&h.requested, "featcache.compute.requested", "Objects requested from Compute", "{object}"},
		{&h.computed, "featcache.compute.computed", "Distinct keys sent to the featurizer", "{key}"},
		{&h.featFail, "featcache.featurizer.failures", "Featurizer calls that failed", "{call}"},
		{&h.syncFail, "featcache.sync.failures", "Failed flushes of a durable mirror", "{error}"},
		{&h.teardown, "featcache.teardown.failures", "Backing files that could not be closed or removed", "{error}"},
		{&h.shards, "featcache.chain.writes", "Entries routed to a chain member", "{entry}"},
	} {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}
	return h, nil
}

func cacheAttr(name string) metric.AddOption {
	return metric.WithAttributes(keyCache.String(name))
}

func (h *Hooks) BatchServed(cache string, requested, computed int) {
	ctx := context.Background()
	h.requested.Add(ctx, int64(requested), cacheAttr(cache))
	h.computed.Add(ctx, int64(computed), cacheAttr(cache))
}

func (h *Hooks) FeaturizerFailed(cache string, _ int, _ error) {
	h.featFail.Add(context.Background(), 1, cacheAttr(cache))
}

func (h *Hooks) SyncFailed(cache string, _ error) {
	h.syncFail.Add(context.Background(), 1, cacheAttr(cache))
}

func (h *Hooks) TeardownFailed(cache, _ string, _ error) {
	h.teardown.Add(context.Background(), 1, cacheAttr(cache))
}

func (h *Hooks) ShardWrite(member string, n int) {
	h.shards.Add(context.Background(), int64(n), metric.WithAttributes(keyMember.String(member)))
}
