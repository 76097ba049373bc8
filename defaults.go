package featcache

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// jobsOrDefault maps the n_jobs convention (<= 0 means all cores) onto the
// value handed to keyer.DeriveAll, which applies the same rule.
func jobsOrDefault(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
