// Package cache provides a bounded, thread-safe LRU map.
//
//	c := cache.New[uint64, []byte](128)
//	c.OnEvict(func(k uint64, v []byte) { ... })
//	v, ok := c.Get(k)
//
// Eviction is strict least-recently-used: inserting past the limit drops
// exactly the oldest entry. The eviction callback runs with the cache lock
// held and must not call back into the cache.
package cache
