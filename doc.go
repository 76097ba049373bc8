// Package featcache implements a compute-avoidance cache for expensive,
// deterministic feature extraction. Callers hand a batch of raw objects and a
// Featurizer to Compute; the cache derives a content key per object, serves
// known keys from storage and calls the featurizer once for the unseen ones.
//
// Backends:
//   - MemoryCache: process-local map, optionally mirrored to a SQLite file.
//   - SharedCache: a MemoryCache over a shared store.Store (BigCache in
//     process, Redis across processes). Batch writes are not atomic.
//   - FileCache: a keys,values table loaded from msgpack, CSV, parquet or a
//     bolt file.
//   - Chain: ordered fallback over other backends; writes are sharded.
//
// Keys:
//
//	keyer.New("unique_id") // xxhash64 of the trimmed record (default)
//	keyer.New("sha256")
//	keyer.New("canonical") // the trimmed record itself
//
// Lifecycle:
//
//	c, _ := featcache.NewMemory(ctx, featcache.MemoryOptions{Name: "fp"})
//	defer c.Close(ctx) // clears unless PreserveOnExit
//	vals, err := c.Compute(ctx, objs, featurizer)
//
// Owners that cannot scope a cache may register it with ReleaseOnShutdown and
// call NotifyShutdown once from main.
package featcache
