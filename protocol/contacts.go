package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/p2pweave/weave"
)

// Payload codecs for the control-plane message types. Contact records travel
// as a count byte followed by repeated (32-byte id, uint16 address length,
// address) entries. Dial addresses are host:port strings; uint16 is generous
// for those.

var (
	ErrBadContactList = errors.New("malformed contact list")
	ErrBadFindNode    = errors.New("malformed find-node payload")
	ErrBadAnnounce    = errors.New("malformed subscribe-announce payload")
)

// EncodeContacts serializes up to 255 contact records.
func EncodeContacts(contacts []weave.Contact) []byte {
	if len(contacts) > 255 {
		contacts = contacts[:255]
	}
	size := 1
	for _, c := range contacts {
		size += weave.AddressLen + 2 + len(c.Addr)
	}
	b := make([]byte, 0, size)
	b = append(b, byte(len(contacts)))
	for _, c := range contacts {
		b = append(b, c.ID[:]...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(c.Addr)))
		b = append(b, c.Addr...)
	}
	return b
}

// DecodeContacts is the inverse of EncodeContacts.
func DecodeContacts(b []byte) ([]weave.Contact, error) {
	if len(b) < 1 {
		return nil, ErrBadContactList
	}
	count := int(b[0])
	b = b[1:]
	contacts := make([]weave.Contact, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < weave.AddressLen+2 {
			return nil, ErrBadContactList
		}
		var c weave.Contact
		copy(c.ID[:], b[:weave.AddressLen])
		b = b[weave.AddressLen:]
		addrLen := int(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < addrLen {
			return nil, ErrBadContactList
		}
		c.Addr = string(b[:addrLen])
		b = b[addrLen:]
		contacts = append(contacts, c)
	}
	if len(b) != 0 {
		return nil, ErrBadContactList
	}
	return contacts, nil
}

// EncodeSubscribe builds the payload of a SubscribeAnnounce: the topic
// address, whether the sender is itself subscribed (as opposed to merely
// relaying membership it has heard about), and the subscriber records known
// to the sender (itself first).
func EncodeSubscribe(topic weave.Address, subscribed bool, contacts []weave.Contact) []byte {
	b := make([]byte, 0, weave.AddressLen+1+64)
	b = append(b, topic[:]...)
	if subscribed {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return append(b, EncodeContacts(contacts)...)
}

// DecodeSubscribe is the inverse of EncodeSubscribe.
func DecodeSubscribe(b []byte) (topic weave.Address, subscribed bool, contacts []weave.Contact, err error) {
	if len(b) < weave.AddressLen+1 {
		return topic, false, nil, ErrBadAnnounce
	}
	copy(topic[:], b[:weave.AddressLen])
	subscribed = b[weave.AddressLen] == 1
	contacts, err = DecodeContacts(b[weave.AddressLen+1:])
	if err != nil {
		return topic, false, nil, ErrBadAnnounce
	}
	return topic, subscribed, contacts, nil
}

// EncodeFindNode builds the payload of a FindNode request: the lookup target
// followed by the requester's own contact record (so the receiver can learn
// the requester's dial address from an inbound stream).
func EncodeFindNode(target weave.Address, self weave.Contact) []byte {
	b := make([]byte, 0, weave.AddressLen+1+weave.AddressLen+2+len(self.Addr))
	b = append(b, target[:]...)
	return append(b, EncodeContacts([]weave.Contact{self})...)
}

// DecodeFindNode is the inverse of EncodeFindNode.
func DecodeFindNode(b []byte) (target weave.Address, self weave.Contact, err error) {
	if len(b) < weave.AddressLen {
		return target, self, ErrBadFindNode
	}
	copy(target[:], b[:weave.AddressLen])
	contacts, err := DecodeContacts(b[weave.AddressLen:])
	if err != nil || len(contacts) != 1 {
		return target, self, ErrBadFindNode
	}
	return target, contacts[0], nil
}
