package util

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// BatchDigest returns a deterministic digest over the sorted members of a batch.
// The input slice is not mutated.
func BatchDigest(keys []string) uint64 {
	s := make([]string, len(keys))
	copy(s, keys)
	sort.Strings(s)

	d := xxhash.New()
	for _, k := range s {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0}) // separator; keys never contain NUL in practice
	}
	return d.Sum64()
}
