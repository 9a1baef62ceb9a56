package routing

import (
	"fmt"
	"testing"
	"time"

	"github.com/p2pweave/weave"
	. "github.com/p2pweave/weave/internal/testsupport"
)

// contactInBucket fabricates a contact that lands in the given bucket of a
// table centered on local.
func contactInBucket(t *testing.T, local weave.NodeID, bucket int, n int) weave.Contact {
	t.Helper()
	tbl := NewTable(local, 0, 0, nil)
	a := tbl.RandomAddressInBucket(bucket)
	return weave.Contact{ID: a, Addr: fmt.Sprintf("127.0.0.1:%d", 4800+n)}
}

func TestTableInsert(t *testing.T) {
	local := weave.RandomAddress()

	t.Run("self insert is refused", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, nil)
		if _, err := tbl.Insert(weave.Contact{ID: local, Addr: "127.0.0.1:1"}); err != ErrSelfInsert {
			t.Fatal(ExpectedActual(ErrSelfInsert, err))
		}
	})

	t.Run("reinsert refreshes rather than duplicates", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, nil)
		c := contactInBucket(t, local, 7, 0)
		for i := 0; i < 3; i++ {
			if ok, err := tbl.Insert(c); err != nil || !ok {
				t.Fatal("insert failed:", ok, err)
			}
		}
		if tbl.Len() != 1 {
			t.Fatal(ExpectedActual(1, tbl.Len()))
		}
	})

	t.Run("reinsert updates the dial address", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, nil)
		c := contactInBucket(t, local, 7, 0)
		tbl.Insert(c)
		c.Addr = "127.0.0.1:9999"
		tbl.Insert(c)
		got, ok := tbl.Lookup(c.ID)
		if !ok || got.Addr != "127.0.0.1:9999" {
			t.Fatal(ExpectedActual("127.0.0.1:9999", got.Addr))
		}
	})
}

func TestTableEviction(t *testing.T) {
	local := weave.RandomAddress()

	// fill one bucket to capacity
	fill := func(tbl *Table, bucket, k int) []weave.Contact {
		contacts := make([]weave.Contact, k)
		for i := range contacts {
			contacts[i] = contactInBucket(t, local, bucket, i)
			if ok, err := tbl.Insert(contacts[i]); err != nil || !ok {
				t.Fatal("fill insert failed:", ok, err)
			}
		}
		return contacts
	}

	t.Run("live oldest contact survives a full bucket", func(t *testing.T) {
		probed := 0
		tbl := NewTable(local, 4, 3, func(weave.Contact) bool { probed++; return true })
		contacts := fill(tbl, 9, 4)
		newcomer := contactInBucket(t, local, 9, 99)
		ok, err := tbl.Insert(newcomer)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("newcomer displaced a live contact")
		}
		if probed != 1 {
			t.Fatal(ExpectedActual(1, probed))
		}
		if _, found := tbl.Lookup(contacts[0].ID); !found {
			t.Fatal("live oldest contact was evicted")
		}
	})

	t.Run("dead oldest contact is evicted for the newcomer", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, func(weave.Contact) bool { return false })
		contacts := fill(tbl, 9, 4)
		newcomer := contactInBucket(t, local, 9, 99)
		ok, err := tbl.Insert(newcomer)
		if err != nil || !ok {
			t.Fatal("newcomer was not admitted:", ok, err)
		}
		if _, found := tbl.Lookup(contacts[0].ID); found {
			t.Fatal("dead oldest contact is still present")
		}
		if _, found := tbl.Lookup(newcomer.ID); !found {
			t.Fatal("newcomer missing after eviction")
		}
		if tbl.Len() != 4 {
			t.Fatal(ExpectedActual(4, tbl.Len()))
		}
	})

	t.Run("nil probe treats the oldest as dead", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, nil)
		fill(tbl, 9, 4)
		newcomer := contactInBucket(t, local, 9, 99)
		if ok, _ := tbl.Insert(newcomer); !ok {
			t.Fatal("newcomer was not admitted with a nil probe")
		}
	})
}

func TestMarkSuspect(t *testing.T) {
	local := weave.RandomAddress()
	tbl := NewTable(local, 4, 3, nil)
	c := contactInBucket(t, local, 12, 0)
	tbl.Insert(c)

	for i := 0; i < 2; i++ {
		if evicted := tbl.MarkSuspect(c.ID); evicted {
			t.Fatal("evicted before the miss limit")
		}
	}
	if evicted := tbl.MarkSuspect(c.ID); !evicted {
		t.Fatal("not evicted at the miss limit")
	}
	if _, found := tbl.Lookup(c.ID); found {
		t.Fatal("suspect still present after eviction")
	}

	t.Run("a success resets the count", func(t *testing.T) {
		tbl := NewTable(local, 4, 3, nil)
		c := contactInBucket(t, local, 12, 0)
		tbl.Insert(c)
		tbl.MarkSuspect(c.ID)
		tbl.MarkSuspect(c.ID)
		tbl.MarkAlive(c.ID)
		tbl.MarkSuspect(c.ID)
		tbl.MarkSuspect(c.ID)
		if evicted := tbl.MarkSuspect(c.ID); !evicted {
			t.Fatal("expected eviction on the third consecutive miss")
		}
	})
}

func TestClosest(t *testing.T) {
	local := weave.RandomAddress()
	tbl := NewTable(local, 20, 3, nil)
	for i := 0; i < 50; i++ {
		tbl.Insert(weave.Contact{ID: weave.RandomAddress(), Addr: fmt.Sprintf("127.0.0.1:%d", 5000+i)})
	}
	target := weave.RandomAddress()
	got := tbl.Closest(target, 8)
	if len(got) != 8 {
		t.Fatal(ExpectedActual(8, len(got)))
	}
	for i := 1; i < len(got); i++ {
		if weave.CompareDistance(got[i-1].ID, got[i].ID, target) > 0 {
			t.Fatalf("results out of order at %d", i)
		}
	}

	t.Run("asks for more than known", func(t *testing.T) {
		small := NewTable(local, 20, 3, nil)
		small.Insert(weave.Contact{ID: weave.RandomAddress(), Addr: "127.0.0.1:6000"})
		if got := small.Closest(target, 8); len(got) != 1 {
			t.Fatal(ExpectedActual(1, len(got)))
		}
	})
}

func TestRandomAddressInBucket(t *testing.T) {
	local := weave.RandomAddress()
	tbl := NewTable(local, 4, 3, nil)
	for _, bucket := range []int{0, 1, 7, 8, 100, BucketCount - 1} {
		a := tbl.RandomAddressInBucket(bucket)
		if got := weave.BucketIndex(local, a); got != bucket {
			t.Fatalf("bucket %d: generated address lands in bucket %d", bucket, got)
		}
	}
}

func TestStaleBuckets(t *testing.T) {
	local := weave.RandomAddress()
	tbl := NewTable(local, 4, 3, nil)
	if stale := tbl.StaleBuckets(time.Hour); len(stale) != 0 {
		t.Fatal(ExpectedActual(0, len(stale)))
	}
	stale := tbl.StaleBuckets(0)
	if len(stale) != BucketCount {
		t.Fatal(ExpectedActual(BucketCount, len(stale)))
	}
	tbl.Touch(5)
	// bucket 5 was just touched and should no longer be reported
	for _, idx := range tbl.StaleBuckets(time.Second) {
		if idx == 5 {
			t.Fatal("touched bucket reported as stale")
		}
	}
}
