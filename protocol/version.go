package protocol

import "fmt"

// Current is the protocol version spoken by this build.
var Current = Version{Major: 1, Minor: 0}

// Version is a protocol version in major.minor form. Each component must fit
// into a nibble so the pair packs into the single version byte on the wire.
type Version struct {
	Major uint8
	Minor uint8
}

// Byte packs the version into a single byte: major in the high nibble,
// minor in the low nibble.
func (v Version) Byte() byte {
	return (v.Major << 4) | (v.Minor & 0x0F)
}

// VersionFromByte unpacks a wire version byte.
func VersionFromByte(b byte) Version {
	return Version{Major: b >> 4, Minor: b & 0x0F}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
