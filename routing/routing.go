/*
Package routing maintains the local node's view of the overlay: a table of
buckets keyed by the common-prefix length between the local id and each
remote id. Buckets hold a bounded number of contacts ordered
least-recently-seen first, so the head of a bucket is always the eviction
candidate.

Eviction prefers long-lived peers: a full bucket only drops its oldest
contact after that contact fails a liveness probe. The probe itself is
injected by the owner and always runs outside any lock.

Each bucket carries its own lock; operations touching different buckets
never contend.
*/
package routing

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/p2pweave/weave"
)

//#region errors

var (
	ErrSelfInsert = errors.New("refusing to insert the local node into its own table")
)

//#endregion errors

// DefaultBucketSize is the per-bucket contact capacity (the Kademlia k).
const DefaultBucketSize = 20

// DefaultMissLimit is the consecutive-failure count at which a contact is
// evicted without a probe.
const DefaultMissLimit = 3

// BucketCount is the number of buckets, one per possible common-prefix
// length.
const BucketCount = weave.AddressLen * 8

// A ProbeFunc checks whether a contact is still alive. Called with no locks
// held; implementations may block on the network.
type ProbeFunc func(weave.Contact) bool

// A Contact is a table entry: a dialable peer plus liveness bookkeeping.
type Contact struct {
	weave.Contact
	// LastSeen is the last time traffic from this peer was observed.
	LastSeen time.Time
	// Misses counts consecutive failed interactions since the last success.
	Misses int
}

// bucket holds the contacts of one common-prefix class, oldest first, under
// its own lock.
type bucket struct {
	mu        sync.Mutex
	contacts  []*Contact
	refreshed time.Time
}

func (b *bucket) indexOf(id weave.NodeID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// moveToTail refreshes the entry at i and makes it the newest. Caller holds
// the bucket lock.
func (b *bucket) moveToTail(i int) {
	entry := b.contacts[i]
	entry.LastSeen = time.Now()
	entry.Misses = 0
	b.contacts = append(append(b.contacts[:i:i], b.contacts[i+1:]...), entry)
}

// Table is the bucketed contact store. Safe for concurrent use; contention
// is per bucket, never table-wide.
type Table struct {
	local     weave.NodeID
	k         int
	missLimit int
	probe     ProbeFunc

	buckets [BucketCount]bucket
}

// NewTable builds an empty table centered on the local id. A nil probe
// treats the oldest contact in a full bucket as dead (newcomers always win).
func NewTable(local weave.NodeID, k, missLimit int, probe ProbeFunc) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	if missLimit <= 0 {
		missLimit = DefaultMissLimit
	}
	t := &Table{local: local, k: k, missLimit: missLimit, probe: probe}
	now := time.Now()
	for i := range t.buckets {
		t.buckets[i].refreshed = now
	}
	return t
}

// Local returns the id the table is centered on.
func (t *Table) Local() weave.NodeID {
	return t.local
}

func (t *Table) bucketFor(id weave.NodeID) *bucket {
	return &t.buckets[weave.BucketIndex(t.local, id)]
}

// Insert records a live contact, refreshing it if already present. When the
// target bucket is full, the oldest contact is probed; only if the probe
// fails is it evicted in favor of the newcomer. Returns whether the contact
// is in the table afterwards.
func (t *Table) Insert(c weave.Contact) (bool, error) {
	if c.ID == t.local {
		return false, ErrSelfInsert
	}
	b := t.bucketFor(c.ID)

	b.mu.Lock()
	if i := b.indexOf(c.ID); i >= 0 {
		b.contacts[i].Addr = c.Addr
		b.moveToTail(i)
		b.mu.Unlock()
		return true, nil
	}
	if len(b.contacts) < t.k {
		b.contacts = append(b.contacts, &Contact{Contact: c, LastSeen: time.Now()})
		b.mu.Unlock()
		return true, nil
	}
	oldest := b.contacts[0].Contact
	b.mu.Unlock()

	// bucket is full: probe the eviction candidate without holding the lock
	alive := t.probe != nil && t.probe(oldest)

	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(oldest.ID)
	if i < 0 {
		// candidate vanished while we probed; retry the cheap paths
		if j := b.indexOf(c.ID); j >= 0 {
			return true, nil
		}
		if len(b.contacts) < t.k {
			b.contacts = append(b.contacts, &Contact{Contact: c, LastSeen: time.Now()})
			return true, nil
		}
		return false, nil
	}
	if alive {
		// long-lived peer wins; newcomer is dropped
		b.moveToTail(i)
		return false, nil
	}
	b.contacts = append(append(b.contacts[:i:i], b.contacts[i+1:]...), &Contact{Contact: c, LastSeen: time.Now()})
	return true, nil
}

// Remove drops a contact by id. Reports whether it was present.
func (t *Table) Remove(id weave.NodeID) bool {
	if id == t.local {
		return false
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.contacts = append(b.contacts[:i:i], b.contacts[i+1:]...)
		return true
	}
	return false
}

// MarkSuspect records a failed interaction with a contact. At the miss limit
// the contact is evicted. Reports whether the contact was evicted.
func (t *Table) MarkSuspect(id weave.NodeID) bool {
	if id == t.local {
		return false
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.contacts[i].Misses++
	if b.contacts[i].Misses >= t.missLimit {
		b.contacts = append(b.contacts[:i:i], b.contacts[i+1:]...)
		return true
	}
	return false
}

// MarkAlive resets a contact's miss count and moves it to the fresh end of
// its bucket. A no-op for unknown contacts.
func (t *Table) MarkAlive(id weave.NodeID) {
	if id == t.local {
		return
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.moveToTail(i)
	}
}

// Lookup returns the dial address for a known contact.
func (t *Table) Lookup(id weave.NodeID) (weave.Contact, bool) {
	if id == t.local {
		return weave.Contact{}, false
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i].Contact, true
	}
	return weave.Contact{}, false
}

// Closest returns up to n known contacts sorted by ascending distance to the
// target. Locks one bucket at a time, so the result is a consistent view of
// each bucket but not of the table as a whole.
func (t *Table) Closest(target weave.Address, n int) []weave.Contact {
	all := make([]weave.Contact, 0, n)
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for _, c := range b.contacts {
			all = append(all, c.Contact)
		}
		b.mu.Unlock()
	}

	weave.SortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Oldest returns the eviction candidate of each non-empty bucket, for
// periodic liveness probing.
func (t *Table) Oldest() []weave.Contact {
	out := make([]weave.Contact, 0, BucketCount)
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		if len(b.contacts) > 0 {
			out = append(out, b.contacts[0].Contact)
		}
		b.mu.Unlock()
	}
	return out
}

// Len returns the total number of contacts across all buckets.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		n += len(b.contacts)
		b.mu.Unlock()
	}
	return n
}

// Touch marks a bucket as refreshed.
func (t *Table) Touch(idx int) {
	b := &t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshed = time.Now()
}

// StaleBuckets returns the indexes of buckets not refreshed within maxAge.
func (t *Table) StaleBuckets(maxAge time.Duration) []int {
	cutoff := time.Now().Add(-maxAge)
	var out []int
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		if b.refreshed.Before(cutoff) {
			out = append(out, i)
		}
		b.mu.Unlock()
	}
	return out
}

// RandomAddressInBucket generates an address whose bucket index relative to
// the local id equals the given bucket, for use as a refresh lookup target.
func (t *Table) RandomAddressInBucket(bucket int) weave.Address {
	var a weave.Address
	rand.Read(a[:])
	// force the first `bucket` bits to match local and flip the next bit
	for i := 0; i < bucket/8; i++ {
		a[i] = t.local[i]
	}
	byteIdx, bitIdx := bucket/8, uint(bucket%8)
	mask := byte(0xFF) << (8 - bitIdx)
	a[byteIdx] = (t.local[byteIdx] & mask) | (a[byteIdx] &^ mask)
	flip := byte(1) << (7 - bitIdx)
	a[byteIdx] = (a[byteIdx] &^ flip) | (^t.local[byteIdx] & flip)
	return a
}
