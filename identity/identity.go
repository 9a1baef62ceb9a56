// Package identity models the cryptographic capability a node is constructed
// with: deriving the node's identifier from a key pair and signing outbound
// frames. The capability is injected, never a package-level singleton, so
// alternative schemes (or test doubles) can be swapped in.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/p2pweave/weave"
)

// SignatureLen is the byte length of every signature on the wire.
const SignatureLen = ed25519.SignatureSize

// An Identity owns a key pair. The node id IS the public key, which is what
// lets any receiver verify a frame against its claimed origin without a key
// lookup.
type Identity interface {
	// NodeID returns the identifier derived from the public key.
	NodeID() weave.NodeID
	// Sign produces a detached signature over data.
	Sign(data []byte) []byte
}

// Verify checks sig over data against the claimed origin id (a public key).
// It is a free function rather than an Identity method: verification needs
// only the wire-visible origin, never local key material.
func Verify(origin weave.NodeID, data, sig []byte) bool {
	if len(sig) != SignatureLen {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(origin[:]), data, sig)
}

// Ed25519 is the default Identity implementation.
type Ed25519 struct {
	id  weave.NodeID
	sec ed25519.PrivateKey
}

var ErrBadSeed = errors.New("seed must be exactly 32 bytes")

// Generate creates a fresh random identity.
func Generate() (*Ed25519, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id, err := weave.AddressFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Ed25519{id: id, sec: sec}, nil
}

// FromSeed derives a deterministic identity from a 32-byte seed.
// Useful for nodes that persist their identity across restarts.
func FromSeed(seed []byte) (*Ed25519, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	sec := ed25519.NewKeyFromSeed(seed)
	id, err := weave.AddressFromBytes(sec.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Ed25519{id: id, sec: sec}, nil
}

func (e *Ed25519) NodeID() weave.NodeID { return e.id }

func (e *Ed25519) Sign(data []byte) []byte {
	return ed25519.Sign(e.sec, data)
}
