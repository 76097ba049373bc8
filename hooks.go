package featcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A Compute batch finished. computed is the number of distinct keys
	// handed to the featurizer (0 for a fully cache-served batch).
	BatchServed(cache string, requested, computed int)

	// The featurizer returned an error or a result of the wrong length.
	FeaturizerFailed(cache string, batch int, err error)

	// Flushing the durable mirror after a batch write failed.
	SyncFailed(cache string, err error)

	// A backing file could not be removed or closed during Clear/Close.
	// The error is swallowed by the cache; this is the only report.
	TeardownFailed(cache, path string, err error)

	// A chain routed a write batch of size n to member.
	ShardWrite(member string, n int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) BatchServed(string, int, int)         {}
func (NopHooks) FeaturizerFailed(string, int, error)  {}
func (NopHooks) SyncFailed(string, error)             {}
func (NopHooks) TeardownFailed(string, string, error) {}
func (NopHooks) ShardWrite(string, int)               {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) BatchServed(c string, r, n int) {
	for _, h := range m {
		h.BatchServed(c, r, n)
	}
}

func (m MultiHooks) FeaturizerFailed(c string, n int, err error) {
	for _, h := range m {
		h.FeaturizerFailed(c, n, err)
	}
}

func (m MultiHooks) SyncFailed(c string, err error) {
	for _, h := range m {
		h.SyncFailed(c, err)
	}
}

func (m MultiHooks) TeardownFailed(c, p string, err error) {
	for _, h := range m {
		h.TeardownFailed(c, p, err)
	}
}

func (m MultiHooks) ShardWrite(member string, n int) {
	for _, h := range m {
		h.ShardWrite(member, n)
	}
}
