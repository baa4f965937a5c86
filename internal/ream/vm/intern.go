package vm

import (
	"github.com/VictoriaMetrics/fastcache"
)

// stringIntern dedupes the string constants every Process loads off a
// shared Program's constant pool. It lives in its own keyspace, separate from the program store's
// content-addressed Program cache (internal/ream/program), so a cache
// eviction in one never perturbs the other.
var stringIntern = fastcache.New(4 * 1024 * 1024)

// intern records s in the cache and returns a string equal to s: s
// itself on first sight, afterwards a new string built from the cached
// bytes. The returned string does not share its backing array with the
// strings returned to other callers.
func intern(s string) string {
	if s == "" {
		return s
	}
	key := []byte(s)
	if got := stringIntern.Get(nil, key); got != nil {
		return string(got)
	}
	stringIntern.Set(key, key)
	return s
}
