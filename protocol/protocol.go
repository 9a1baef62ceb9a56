/*
Package protocol contains tools for building and parsing the wire frames
exchanged between nodes.

A frame travels over a byte stream prefixed by its uint32 big-endian length.
Inside the frame, fixed-width fields come first so a receiver can classify
traffic before touching the payload:

	1   version (two nibbles: major.minor)
	1   message type
	1   hop budget
	32  origin node id
	32  destination address
	16  message uuid
	1   visited count V
	V*32 visited relay ids
	64  signature
	4   payload length
	N   payload

Hop budget and the visited set are mutated by relays and therefore excluded
from the signature; everything else is covered.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/identity"
	"github.com/p2pweave/weave/protocol/mt"
	"github.com/rs/zerolog"
)

const (
	// FixedLen is the byte length of a frame with no visited entries and no
	// payload (excluding the uint32 length prefix).
	FixedLen = 1 + 1 + 1 + weave.AddressLen + weave.AddressLen + 16 + 1 + identity.SignatureLen + 4

	// MaxPayloadLen bounds a single application payload. Larger payloads
	// must be chunked by the caller.
	MaxPayloadLen = 64 * 1024

	// MaxVisited bounds the visited-relay set. It only needs to hold as
	// many entries as the hop ceiling allows hops, with slack.
	MaxVisited = 32

	// MaxFrameLen is the largest frame a receiver will accept.
	MaxFrameLen = FixedLen + MaxVisited*weave.AddressLen + MaxPayloadLen
)

//#region errors

var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum length")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum length")
	ErrVisitedTooLarge = errors.New("visited set exceeds maximum size")
	ErrInvalidType     = errors.New("message type is not an enumerated frame type")
	ErrTruncated       = errors.New("frame is shorter than its declared lengths")
)

//#endregion errors

// A Frame is a deconstructed wire frame. The state of a Frame is never
// guaranteed; call Validate before trusting one built from raw bytes.
type Frame struct {
	// Version of the protocol this frame speaks.
	Version Version
	// Type of message. Dictates how the payload is interpreted.
	Type mt.MessageType
	// Hop is the remaining relay allowance. Decremented at each relay hop;
	// a frame arriving with 0 at a non-destination node is dropped.
	Hop uint8
	// Origin is the node that created the frame (not the last relay).
	Origin weave.NodeID
	// Destination is a node id or topic address.
	Destination weave.Address
	// UUID uniquely names the message for duplicate suppression and
	// request/response correlation.
	UUID uuid.UUID
	// Visited lists relays that have already forwarded this frame, so no
	// relay is selected twice.
	Visited []weave.Address
	// Signature is the origin's detached signature over SigningBytes.
	Signature [identity.SignatureLen]byte
	// Payload carries type-specific bytes.
	Payload []byte
}

// New assembles an unsigned frame with a fresh UUID.
func New(typ mt.MessageType, origin weave.NodeID, dest weave.Address, hop uint8, payload []byte) *Frame {
	return &Frame{
		Version:     Current,
		Type:        typ,
		Hop:         hop,
		Origin:      origin,
		Destination: dest,
		UUID:        uuid.New(),
		Payload:     payload,
	}
}

// CheckLimits reports whether the frame fits within the wire limits,
// without serializing it. A frame that fails here cannot be represented on
// the wire at all, regardless of which peer it would be sent to.
func (f *Frame) CheckLimits() error {
	if len(f.Payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	if len(f.Visited) > MaxVisited {
		return ErrVisitedTooLarge
	}
	return nil
}

// Serialize returns the frame in network byte order, including the uint32
// length prefix. Performs a single allocation of the full frame size.
//
// NOTE: does NOT imply Validate and thus does not error on semantically
// invalid data; it only rejects frames that cannot be represented.
func (f *Frame) Serialize() ([]byte, error) {
	if err := f.CheckLimits(); err != nil {
		return nil, err
	}

	frameLen := FixedLen + len(f.Visited)*weave.AddressLen + len(f.Payload)
	out := make([]byte, 4+frameLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(frameLen))

	b := out[4:]
	b[0] = f.Version.Byte()
	b[1] = byte(f.Type)
	b[2] = f.Hop
	copy(b[3:35], f.Origin[:])
	copy(b[35:67], f.Destination[:])
	copy(b[67:83], f.UUID[:])
	b[83] = byte(len(f.Visited))
	off := 84
	for _, v := range f.Visited {
		copy(b[off:off+weave.AddressLen], v[:])
		off += weave.AddressLen
	}
	copy(b[off:off+identity.SignatureLen], f.Signature[:])
	off += identity.SignatureLen
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(f.Payload)))
	off += 4
	copy(b[off:], f.Payload)

	return out, nil
}

// Read consumes one length-prefixed frame from the reader.
// A well-behaved peer never splits a frame, but the stream may deliver it in
// arbitrary chunks, hence ReadFull.
func Read(rd io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	if frameLen < FixedLen {
		return nil, ErrTruncated
	}

	b := make([]byte, frameLen)
	if _, err := io.ReadFull(rd, b); err != nil {
		return nil, err
	}
	return parse(b)
}

// parse decodes a raw frame body (without the length prefix).
func parse(b []byte) (*Frame, error) {
	f := &Frame{
		Version: VersionFromByte(b[0]),
		Type:    mt.MessageType(b[1]),
		Hop:     b[2],
	}
	copy(f.Origin[:], b[3:35])
	copy(f.Destination[:], b[35:67])
	copy(f.UUID[:], b[67:83])

	visited := int(b[83])
	if visited > MaxVisited {
		return nil, ErrVisitedTooLarge
	}
	off := 84
	if len(b) < off+visited*weave.AddressLen+identity.SignatureLen+4 {
		return nil, ErrTruncated
	}
	if visited > 0 {
		f.Visited = make([]weave.Address, visited)
		for i := range f.Visited {
			copy(f.Visited[i][:], b[off:off+weave.AddressLen])
			off += weave.AddressLen
		}
	}
	copy(f.Signature[:], b[off:off+identity.SignatureLen])
	off += identity.SignatureLen
	payloadLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	if len(b) != off+payloadLen {
		return nil, ErrTruncated
	}
	if payloadLen > 0 {
		f.Payload = b[off:]
	}
	return f, nil
}

// SigningBytes returns the relay-immutable portion of the frame: everything
// a relay must not alter. Hop budget and the visited set are excluded.
func (f *Frame) SigningBytes() []byte {
	b := make([]byte, 0, 2+2*weave.AddressLen+16+len(f.Payload))
	b = append(b, f.Version.Byte(), byte(f.Type))
	b = append(b, f.Origin[:]...)
	b = append(b, f.Destination[:]...)
	b = append(b, f.UUID[:]...)
	b = append(b, f.Payload...)
	return b
}

// Sign sets the frame signature using the given identity.
// The identity's node id must match f.Origin for the frame to later verify.
func (f *Frame) Sign(id identity.Identity) {
	copy(f.Signature[:], id.Sign(f.SigningBytes()))
}

// VerifySignature checks the signature against the claimed origin.
func (f *Frame) VerifySignature() bool {
	return identity.Verify(f.Origin, f.SigningBytes(), f.Signature[:])
}

// Validate tests each field, returning a list of issues.
func (f *Frame) Validate() (errs []error) {
	if f.Version.Major > 15 || f.Version.Minor > 15 {
		errs = append(errs, fmt.Errorf("version %d.%d does not fit into two nibbles", f.Version.Major, f.Version.Minor))
	}
	if !f.Type.Valid() {
		errs = append(errs, ErrInvalidType)
	}
	if len(f.Payload) > MaxPayloadLen {
		errs = append(errs, ErrPayloadTooLarge)
	}
	if len(f.Visited) > MaxVisited {
		errs = append(errs, ErrVisitedTooLarge)
	}
	return errs
}

// HasVisited reports whether the given relay already appears in the
// visited set (or is the origin itself).
func (f *Frame) HasVisited(id weave.Address) bool {
	if id == f.Origin {
		return true
	}
	for _, v := range f.Visited {
		if v == id {
			return true
		}
	}
	return false
}

// NextHop returns a copy of the frame prepared for one relay hop: hop budget
// decremented and the forwarding relay appended to the visited set. The
// payload is shared, the visited set is not.
func (f *Frame) NextHop(relay weave.Address) *Frame {
	c := *f
	c.Hop = f.Hop - 1
	c.Visited = make([]weave.Address, 0, len(f.Visited)+1)
	c.Visited = append(c.Visited, f.Visited...)
	c.Visited = append(c.Visited, relay)
	return &c
}

// Zerolog attaches the frame's routing fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (f *Frame) Zerolog(ev *zerolog.Event) {
	ev.Str("type", f.Type.String()).
		Str("origin", f.Origin.Short()).
		Str("destination", f.Destination.Short()).
		Uint8("hop", f.Hop).
		Int("visited", len(f.Visited)).
		Int("payload bytes", len(f.Payload)).
		Str("uuid", f.UUID.String())
}
