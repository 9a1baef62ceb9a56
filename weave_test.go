package weave

import (
	"testing"

	. "github.com/p2pweave/weave/internal/testsupport"
)

// AddressFromName must be deterministic and distinct per name.
func TestAddressFromName(t *testing.T) {
	a := AddressFromName("lobby")
	b := AddressFromName("lobby")
	c := AddressFromName("lobby2")
	if a != b {
		t.Error("same name produced different addresses", ExpectedActual(a, b))
	}
	if a == c {
		t.Error("different names produced the same address")
	}
	if a.IsZero() {
		t.Error("hashed address is zero")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := RandomAddress()
	back, err := AddressFromString(a.String())
	if err != nil {
		t.Fatal(err)
	}
	if back != a {
		t.Error(ExpectedActual(a, back))
	}

	if _, err := AddressFromBytes(make([]byte, AddressLen-1)); err == nil {
		t.Error("expected an error for a short byte slice")
	}
}

func TestXorSelfIsZero(t *testing.T) {
	a := RandomAddress()
	if a.Xor(a) != [AddressLen]byte{} {
		t.Error("distance to self is not zero")
	}
}

func TestCompareDistance(t *testing.T) {
	var target, near, far Address
	near[AddressLen-1] = 1 // distance 1
	far[0] = 0x80          // distance 2^255

	if got := CompareDistance(near, far, target); got != -1 {
		t.Error(ExpectedActual(-1, got))
	}
	if got := CompareDistance(far, near, target); got != 1 {
		t.Error(ExpectedActual(1, got))
	}
	if got := CompareDistance(near, near, target); got != 0 {
		t.Error(ExpectedActual(0, got))
	}
}

func TestCommonPrefixLen(t *testing.T) {
	var a, b Address
	if got := CommonPrefixLen(a, b); got != AddressLen*8 {
		t.Error(ExpectedActual(AddressLen*8, got))
	}
	b[0] = 0x80
	if got := CommonPrefixLen(a, b); got != 0 {
		t.Error(ExpectedActual(0, got))
	}
	b[0] = 0x01
	if got := CommonPrefixLen(a, b); got != 7 {
		t.Error(ExpectedActual(7, got))
	}
}

// A contact's bucket is fully determined by the common prefix length, capped
// at the final bucket for the (impossible in practice) self distance.
func TestBucketIndex(t *testing.T) {
	var local Address
	remote := local
	remote[0] = 0xFF
	if got := BucketIndex(local, remote); got != 0 {
		t.Error(ExpectedActual(0, got))
	}
	if got := BucketIndex(local, local); got != AddressLen*8-1 {
		t.Error(ExpectedActual(AddressLen*8-1, got))
	}
}

func TestSortByDistance(t *testing.T) {
	target := RandomAddress()
	cs := []Contact{
		{ID: RandomAddress()}, {ID: RandomAddress()},
		{ID: RandomAddress()}, {ID: RandomAddress()},
		{ID: target}, // exact match sorts first
	}
	SortByDistance(cs, target)
	if cs[0].ID != target {
		t.Error("exact match did not sort first")
	}
	for i := 1; i < len(cs); i++ {
		if CompareDistance(cs[i].ID, cs[i-1].ID, target) == -1 {
			t.Errorf("contacts %d and %d are out of order", i-1, i)
		}
	}
}

func TestDedupContacts(t *testing.T) {
	a, b := RandomAddress(), RandomAddress()
	cs := DedupContacts([]Contact{{ID: a}, {ID: b}, {ID: a}, {ID: a}})
	if len(cs) != 2 {
		t.Fatal(ExpectedActual(2, len(cs)))
	}
	if cs[0].ID != a || cs[1].ID != b {
		t.Error("dedup did not preserve first occurrences in order")
	}
}
