package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"
)

const maxStartupSpread = 30 * time.Second

// startupDelay spreads the first poll of nodes started together over one
// poll interval so they do not contend for the same schedule leases.
func startupDelay(poll time.Duration, node string) time.Duration {
	spread := poll
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(fnv64a(node))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(spread)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
