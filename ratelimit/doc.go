// Package ratelimit caps how often each key may act, using one token
// bucket per key.
//
// Buckets start full and refill continuously at Capacity tokens per
// Window. The number of tracked keys is bounded; the least recently used
// bucket is forgotten first, which at worst hands a quiet key a fresh
// bucket.
//
//	l, _ := ratelimit.New(ratelimit.Config{Capacity: 20, Window: time.Minute})
//	if !l.Allow(agentID) {
//	    // reject
//	}
package ratelimit
