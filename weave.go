// Package weave is the parent package of the Weave overlay.
// It contains child packages identity (key-pair capability), protocol (wire
// frame handling), routing (the Kademlia table), transport (TCP framing),
// node (the peer itself) and signaling (rendezvous bootstrap).
// Child packages are mostly self-contained, the weave parent package provides
// the shared identifier primitives.
package weave

import (
	"bytes"
	"crypto/rand"
	"sort"

	sha256 "github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

// AddressLen is the width (in bytes) of every identifier in the system.
// Node ids are 32-byte public keys and topic addresses are 32-byte hashes,
// so both live in the same space and the same distance metric applies.
const AddressLen = 32

// An Address is a fixed-width identifier in the overlay's key space.
// It names either a node (the node's public key) or a topic (a hash of the
// topic name). Distance between addresses is the XOR metric.
type Address [AddressLen]byte

// A NodeID is an Address that happens to name a node.
// The alias exists purely for readability at call sites.
type NodeID = Address

// AddressFromName maps an arbitrary string (typically a topic name)
// deterministically into the address space by hashing it.
func AddressFromName(name string) Address {
	return Address(sha256.Sum256([]byte(name)))
}

// AddressFromBytes copies the given bytes into an Address.
// Fails if the slice is not exactly AddressLen long.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLen {
		return a, ErrBadAddress
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromString reverses Address.String().
func AddressFromString(s string) (Address, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Address{}, err
	}
	return AddressFromBytes(b)
}

// RandomAddress returns a uniformly random Address.
// Used by bucket refresh to target a lookup at an arbitrary key.
func RandomAddress() Address {
	var a Address
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(a[:])
	return a
}

// String renders the address as base58, the same representation used by the
// signaling API and in log fields.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Short returns an abbreviated render for log output.
func (a Address) Short() string {
	s := a.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Xor returns the XOR distance between two addresses as raw big-endian bytes.
func (a Address) Xor(b Address) [AddressLen]byte {
	var d [AddressLen]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders a and b by their XOR distance to target.
// Returns -1 if a is closer, 1 if b is closer and 0 if equidistant
// (which, for distinct addresses, cannot happen).
func CompareDistance(a, b, target Address) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CommonPrefixLen counts the leading zero bits of the XOR distance between
// two addresses, i.e. the length of their shared prefix.
func CommonPrefixLen(a, b Address) int {
	d := a.Xor(b)
	n := 0
	for _, by := range d {
		if by == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if by&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// BucketIndex determines which k-bucket of a table centered on local the
// remote address belongs to. Index 0 holds the most distant half of the key
// space; the maximum index holds the immediate neighborhood.
func BucketIndex(local, remote Address) int {
	cpl := CommonPrefixLen(local, remote)
	if cpl >= AddressLen*8 {
		return AddressLen*8 - 1
	}
	return cpl
}

// A Contact pairs an identifier with the transport address it can be reached
// at. Contacts travel over the wire in FIND_NODE replies and through the
// signaling API; the routing table wraps them with liveness bookkeeping.
type Contact struct {
	ID   Address
	Addr string // host:port the node listens on
}

// SortByDistance sorts the contacts in place by non-decreasing XOR distance
// to target, ties broken by identifier value.
func SortByDistance(cs []Contact, target Address) {
	sort.SliceStable(cs, func(i, j int) bool {
		switch CompareDistance(cs[i].ID, cs[j].ID, target) {
		case -1:
			return true
		case 1:
			return false
		}
		return bytes.Compare(cs[i].ID[:], cs[j].ID[:]) < 0
	})
}

// DedupContacts removes duplicate ids from the slice, keeping first
// occurrences and preserving order.
func DedupContacts(cs []Contact) []Contact {
	seen := make(map[Address]struct{}, len(cs))
	out := cs[:0]
	for _, c := range cs {
		if _, found := seen[c.ID]; found {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
