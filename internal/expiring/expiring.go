// Package expiring introduces tables with the ability to prune their own elements.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with an expiration timer attached
type timedV[value_t any] struct {
	val value_t
	exp *time.Timer
}

// A Table is a mutex-guarded map whose elements prune themselves after their
// duration elapses. The zero value is ready for immediate use.
//
// Tables should only be passed by reference due to underlying mutex use.
//
// Accessing elements AT their expiration time is, by its very nature, a race:
// if a timer has not expired its associated data is guaranteed to not have
// been pruned, but the inverse is not guaranteed.
type Table[key_t comparable, value_t any] struct {
	mu sync.Mutex
	m  map[key_t]timedV[value_t]
}

// Store saves the given k/v and sets it to expire after the given duration.
// If a value was previously associated to this key it is overwritten and its
// timer reset. cleanup functions are called in order after the key is
// deleted by expiry (not by Delete or an overwriting Store).
func (tbl *Table[key_t, value_t]) Store(key key_t, value value_t, expire time.Duration, cleanup ...func()) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[key_t]timedV[value_t])
	}
	if prior, found := tbl.m[key]; found {
		prior.exp.Stop()
	}
	tbl.m[key] = timedV[value_t]{
		val: value,
		exp: time.AfterFunc(expire, func() {
			tbl.Delete(key)
			for _, f := range cleanup {
				f()
			}
		}),
	}
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	return tv.val, true
}

// Delete destroys a key in the map and stops its timer (if found).
// Ineffectual if key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	tv.exp.Stop()
	delete(tbl.m, key)
	return true
}

// Refresh restarts the expiry countdown for the given key (if it exists and
// has not already fired) with the given duration.
func (tbl *Table[key_t, value_t]) Refresh(key key_t, expire time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	if alreadyExpired := !tv.exp.Stop(); alreadyExpired {
		return false
	}
	tv.exp.Reset(expire)
	return true
}

// Len returns the number of live elements.
func (tbl *Table[key_t, value_t]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}

// Snapshot returns a copy of all live values. Order is unspecified.
func (tbl *Table[key_t, value_t]) Snapshot() []value_t {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	out := make([]value_t, 0, len(tbl.m))
	for _, tv := range tbl.m {
		out = append(out, tv.val)
	}
	return out
}
